package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store <content-id>",
	Short: "Key a content item and become its owner",
	Long: `Store a content key for an unkeyed content item. Without --key the server
generates one and returns it; keep it to encrypt the content.`,
	Args: cobra.ExactArgs(1),
	RunE: runStore,
}

var retrieveCmd = &cobra.Command{
	Use:     "retrieve <content-id>",
	Aliases: []string{"get"},
	Short:   "Retrieve your effective content key",
	Args:    cobra.ExactArgs(1),
	RunE:    runRetrieve,
}

var grantCmd = &cobra.Command{
	Use:   "grant <content-id> <principal>",
	Short: "Grant a principal access to a content item",
	Example: `  keyctl grant film-1 0xabc... --level VIEW --expires-in 168h
  keyctl grant film-1 0xabc... --level FULL_CONTROL`,
	Args: cobra.ExactArgs(2),
	RunE: runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <content-id> <principal>",
	Short: "Revoke a principal's access",
	Args:  cobra.ExactArgs(2),
	RunE:  runRevoke,
}

var grantsCmd = &cobra.Command{
	Use:   "grants <content-id>",
	Short: "List live grants on a content item",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrants,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <content-id>",
	Short: "Rotate a content key to the next version",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotate,
}

var historyCmd = &cobra.Command{
	Use:   "history <content-id>",
	Short: "Show a content item's rotation history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// Flags
var (
	storeKeyHex    string
	retrieveLevel  string
	grantLevel     string
	grantExpiresIn string
)

func init() {
	storeCmd.Flags().StringVarP(&storeKeyHex, "key", "k", "", "Hex content key (generated when empty)")
	retrieveCmd.Flags().StringVar(&retrieveLevel, "level", "", "Required access level (VIEW, MODIFY, FULL_CONTROL)")
	grantCmd.Flags().StringVar(&grantLevel, "level", "VIEW", "Access level (VIEW, MODIFY, FULL_CONTROL)")
	grantCmd.Flags().StringVar(&grantExpiresIn, "expires-in", "", "Grant lifetime, e.g. 24h (no expiry when empty)")
}

func contentPath(contentID, suffix string) string {
	return "/api/v1/content/" + url.PathEscape(contentID) + suffix
}

func requestContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runStore(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	var body interface{}
	if storeKeyHex != "" {
		body = map[string]string{"key": storeKeyHex}
	}

	result, err := client.Do(requestContext(cmd), http.MethodPost, contentPath(args[0], "/key"), body)
	if err != nil {
		return err
	}
	if _, generated := result["key"]; generated && output == "table" {
		PrintWarning("store the generated key securely; it is shown once")
	}
	return OutputData(result)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	path := contentPath(args[0], "/key")
	if retrieveLevel != "" {
		path += "?level=" + url.QueryEscape(retrieveLevel)
	}

	result, err := client.Do(requestContext(cmd), http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return OutputData(result)
}

func runGrant(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	body := map[string]string{"principal": args[1], "level": grantLevel}
	if grantExpiresIn != "" {
		body["expiresIn"] = grantExpiresIn
	}

	result, err := client.Do(requestContext(cmd), http.MethodPost, contentPath(args[0], "/grants"), body)
	if err != nil {
		return err
	}
	if output == "table" {
		PrintSuccess(fmt.Sprintf("Granted %s on %s to %s", grantLevel, args[0], args[1]))
		return nil
	}
	return OutputData(result)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	if _, err := client.Do(requestContext(cmd), http.MethodDelete, contentPath(args[0], "/grants/"+url.PathEscape(args[1])), nil); err != nil {
		return err
	}
	PrintSuccess(fmt.Sprintf("Revoked access to %s for %s", args[0], args[1]))
	return nil
}

func runGrants(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	result, err := client.Do(requestContext(cmd), http.MethodGet, contentPath(args[0], "/grants"), nil)
	if err != nil {
		return err
	}
	return outputList(result, "grants", "No grants found.")
}

func runRotate(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	result, err := client.Do(requestContext(cmd), http.MethodPost, contentPath(args[0], "/rotate"), nil)
	if err != nil {
		return err
	}
	if output == "table" {
		PrintSuccess(fmt.Sprintf("Rotated %s to version %s", args[0], formatValue(result["version"])))
		return nil
	}
	return OutputData(result)
}

func runHistory(cmd *cobra.Command, args []string) error {
	client := newClientFromFlags()
	result, err := client.Do(requestContext(cmd), http.MethodGet, contentPath(args[0], "/rotations"), nil)
	if err != nil {
		return err
	}
	return outputList(result, "rotations", "No rotations recorded.")
}
