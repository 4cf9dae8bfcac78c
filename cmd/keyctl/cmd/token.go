package cmd

import (
	"fmt"
	"os"
	"time"

	"wylloh/config"
	"wylloh/middleware"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <wallet>",
	Short: "Mint a bearer token for a wallet (development)",
	Long: `Sign an HS256 bearer token naming the wallet as principal. The signing
secret must match the server's security.auth.jwt_secret.`,
	Example: `  KEYCTL_JWT_SECRET=... keyctl token 0xabc... --ttl 1h`,
	Args:    cobra.ExactArgs(1),
	RunE:    runToken,
}

// Flags
var (
	tokenSecret string
	tokenIssuer string
	tokenTTL    time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("KEYCTL_JWT_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Token issuer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	auth, err := middleware.NewAuthenticator(config.AuthConfig{
		Mode:      middleware.AuthModeJWT,
		JWTSecret: tokenSecret,
		Issuer:    tokenIssuer,
	})
	if err != nil {
		return err
	}
	signed, err := auth.IssueToken(args[0], tokenTTL)
	if err != nil {
		return err
	}
	if output == "table" {
		// Tokens are too long for a table cell.
		fmt.Fprintln(outWriter, signed)
		return nil
	}
	return OutputData(map[string]interface{}{
		"token":     signed,
		"expiresAt": time.Now().Add(tokenTTL).UTC().Format(time.RFC3339),
	})
}
