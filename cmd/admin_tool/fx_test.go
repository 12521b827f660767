package admin_tool

import (
	"testing"

	"go.od2.network/nqueue/cmd/providers/providerstest"
	"go.uber.org/fx"
)

func TestApp(t *testing.T) {
	providerstest.Validate(t,
		fx.Supply([]string{}),
		fx.Invoke(runJobsDump, runJobsStat, runTokenDecode))
}
