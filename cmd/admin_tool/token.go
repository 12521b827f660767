package admin_tool

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.od2.network/nqueue/cmd/providers"
	"go.od2.network/nqueue/pkg/token"
)

var tokenCmd = cobra.Command{
	Use:   "token",
	Short: "Inspect job auth tokens",
}

func init() {
	Cmd.AddCommand(&tokenCmd)
}

var tokenDecodeCmd = cobra.Command{
	Use:   "decode <token>",
	Short: "Decode a job auth token and check its tag",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runTokenDecode),
}

func init() {
	tokenCmd.AddCommand(&tokenDecodeCmd)
}

type decodedToken struct {
	JobID    uint32 `json:"job_id"`
	Passport uint32 `json:"passport"`
	Events   uint32 `json:"events"`
	Valid    bool   `json:"valid"`
}

func runTokenDecode(args []string, signer token.Signer) {
	sp := token.Unmarshal(args[0])
	if sp == nil {
		fmt.Fprintln(os.Stderr, "Malformed token")
		os.Exit(1)
	}
	printJSON(decodedToken{
		JobID:    sp.Payload.JobID,
		Passport: sp.Payload.Passport,
		Events:   sp.Payload.Events,
		Valid:    signer.VerifyTag(sp),
	})
}
