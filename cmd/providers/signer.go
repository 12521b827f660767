package providers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/viper"
	"go.od2.network/nqueue/pkg/token"
	"go.uber.org/zap"
)

// Job auth token config keys.
const (
	ConfTokenSecret = "token.secret"
)

func init() {
	viper.SetDefault(ConfTokenSecret, "")
}

// NewSigner builds the job auth token signer from the hex secret in config.
// Without a secret, a random one is generated and tokens do not survive restarts.
func NewSigner(log *zap.Logger) (token.Signer, error) {
	secret := new([32]byte)
	secretStr := viper.GetString(ConfTokenSecret)
	if secretStr == "" {
		log.Warn("No " + ConfTokenSecret + " configured, using a random secret")
		if _, err := rand.Read(secret[:]); err != nil {
			return nil, err
		}
		return token.NewSimpleSigner(secret), nil
	}
	if len(secretStr) != 64 {
		return nil, fmt.Errorf("invalid %s: expected 64 hex chars", ConfTokenSecret)
	}
	if _, err := hex.Decode(secret[:], []byte(secretStr)); err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", ConfTokenSecret, err)
	}
	return token.NewSimpleSigner(secret), nil
}
