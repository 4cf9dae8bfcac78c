package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL string
	token     string
	wallet    string
	verbose   bool
	output    string // json, yaml, table
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "keyctl",
	Short: "Wylloh content key manager CLI",
	Long: `A command-line interface for the Wylloh content key manager.

Local commands generate keys and encrypt or decrypt content without a server.
API commands store, retrieve, grant, revoke and rotate content keys through the
key manager HTTP API, authenticating with a bearer token or, against
development servers, a wallet address header.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err.Error())
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("KEYCTL_SERVER_URL", "http://localhost:8085"), "Key manager server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("KEYCTL_TOKEN"), "Bearer token for authentication")
	rootCmd.PersistentFlags().StringVar(&wallet, "wallet", os.Getenv("KEYCTL_WALLET"), "Wallet address sent in header auth mode")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (json, yaml, table)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(grantsCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(outWriter, "Wylloh keyctl v1.0.0")
	},
}
