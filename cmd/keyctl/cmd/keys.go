package cmd

import (
	"fmt"
	"io"
	"os"

	"wylloh/pkg/crypto"

	"github.com/spf13/cobra"
)

var inReader io.Reader = os.Stdin

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a content key",
	Long: `Generate a random 256-bit content key, or derive one deterministically from
an identity and content ID with --identity and --content-id.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt content with a content key",
	Long:  `Encrypt a file (or stdin) with AES-256-GCM under a hex content key.`,
	Args:  cobra.NoArgs,
	RunE:  runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt content with a content key",
	Args:  cobra.NoArgs,
	RunE:  runDecrypt,
}

// Flags
var (
	keygenIdentity  string
	keygenContentID string
	cryptKey        string
	cryptIn         string
	cryptOut        string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenIdentity, "identity", "", "Derive the key from this identity")
	keygenCmd.Flags().StringVar(&keygenContentID, "content-id", "", "Content ID used with --identity")

	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().StringVarP(&cryptKey, "key", "k", "", "Hex content key (required)")
		c.Flags().StringVarP(&cryptIn, "in", "i", "-", "Input file, - for stdin")
		c.Flags().StringVarP(&cryptOut, "out", "O", "-", "Output file, - for stdout")
		_ = c.MarkFlagRequired("key")
	}
}

func runKeygen(cmd *cobra.Command, args []string) error {
	var key crypto.ContentKey
	switch {
	case keygenIdentity != "" || keygenContentID != "":
		if keygenIdentity == "" || keygenContentID == "" {
			return fmt.Errorf("--identity and --content-id must be used together")
		}
		key = crypto.DeriveKeyFromIdentity(keygenIdentity, keygenContentID)
	default:
		generated, err := crypto.GenerateContentKey()
		if err != nil {
			return err
		}
		key = generated
	}
	defer crypto.Zero(key)

	return OutputData(map[string]interface{}{"key": key.Hex()})
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	return transform(func(data []byte, key crypto.ContentKey) ([]byte, error) {
		return crypto.EncryptContent(data, key)
	})
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	return transform(func(data []byte, key crypto.ContentKey) ([]byte, error) {
		return crypto.DecryptContent(data, key)
	})
}

func transform(fn func([]byte, crypto.ContentKey) ([]byte, error)) error {
	key, err := crypto.ParseContentKey(cryptKey)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	data, err := readInput(cryptIn)
	if err != nil {
		return err
	}
	out, err := fn(data, key)
	if err != nil {
		return err
	}
	return writeOutput(cryptOut, out)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(inReader)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := outWriter.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if verbose {
		fmt.Fprintf(debugWriter, "wrote %d bytes to %s\n", len(data), path)
	}
	return nil
}
