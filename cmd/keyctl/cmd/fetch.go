package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wylloh/config"
	"wylloh/pkg/crypto"
	"wylloh/pkg/models"
	"wylloh/pkg/retrieval"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <address>",
	Short: "Download content through the retrieval pipeline",
	Long: `Download a blob by content address, trying the CDN, the API proxy and then
each public gateway in order. With --key the blob is decrypted before it is
written.

Endpoints come from --config (the retrieval section) or the endpoint flags;
flags win when both are given.`,
	Example: `  keyctl fetch bafybeigdyrzt --gateway https://ipfs.io/ipfs/ -O film.enc
  keyctl fetch ipfs://bafybeigdyrzt --config config.yaml --key $KEY -O film.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

// Flags
var (
	fetchConfigPath string
	fetchCDN        string
	fetchAPI        string
	fetchGateways   []string
	fetchTimeout    time.Duration
	fetchRetries    int
	fetchKey        string
	fetchOut        string
)

func init() {
	fetchCmd.Flags().StringVar(&fetchConfigPath, "config", "", "Read retrieval endpoints from this configuration file")
	fetchCmd.Flags().StringVar(&fetchCDN, "cdn", "", "CDN base URL")
	fetchCmd.Flags().StringVar(&fetchAPI, "api", "", "API base URL (blobs under /api/ipfs)")
	fetchCmd.Flags().StringSliceVar(&fetchGateways, "gateway", nil, "Public gateway base URL (repeatable)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "Per-endpoint timeout")
	fetchCmd.Flags().IntVar(&fetchRetries, "retries", 0, "Retries per endpoint")
	fetchCmd.Flags().StringVarP(&fetchKey, "key", "k", "", "Hex content key to decrypt with")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "O", "-", "Output file, - for stdout")
}

func fetchRetrievalConfig(cmd *cobra.Command) (config.RetrievalConfig, error) {
	var rc config.RetrievalConfig
	if fetchConfigPath != "" {
		cfg, err := config.Load(fetchConfigPath)
		if err != nil {
			return rc, err
		}
		rc = cfg.Retrieval
	}

	if cmd.Flags().Changed("cdn") {
		rc.CDNURL = fetchCDN
	}
	if cmd.Flags().Changed("api") {
		rc.APIURL = fetchAPI
	}
	if cmd.Flags().Changed("gateway") {
		rc.PublicGateways = fetchGateways
	}
	if cmd.Flags().Changed("retries") || fetchConfigPath == "" {
		rc.RetryMax = fetchRetries
	}
	if cmd.Flags().Changed("timeout") || fetchConfigPath == "" {
		rc.CDNTimeout = fetchTimeout
		rc.APITimeout = fetchTimeout
		rc.GatewayTimeout = fetchTimeout
	}

	if len(retrieval.EndpointsFromConfig(rc)) == 0 {
		return rc, fmt.Errorf("no retrieval endpoints: pass --config, --cdn, --api or --gateway")
	}
	return rc, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	rc, err := fetchRetrievalConfig(cmd)
	if err != nil {
		return err
	}

	downloader := retrieval.NewFromConfig(rc, retrieval.WithAttemptHook(func(endpoint string, ok bool, elapsed time.Duration) {
		if verbose {
			fmt.Fprintf(debugWriter, "  %s ok=%v (%v)\n", endpoint, ok, elapsed.Round(time.Millisecond))
		}
	}))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := downloader.Download(ctx, args[0])
	if err != nil {
		var rerr *models.RetrievalError
		if errors.As(err, &rerr) {
			for _, a := range rerr.Attempts {
				PrintWarning(fmt.Sprintf("%s: %s", a.Endpoint, a.Error))
			}
		}
		return err
	}
	if verbose {
		fmt.Fprintf(debugWriter, "fetched %d bytes from %s\n", len(res.Body), res.URL)
	}

	body := res.Body
	if fetchKey != "" {
		key, err := crypto.ParseContentKey(fetchKey)
		if err != nil {
			return err
		}
		defer crypto.Zero(key)
		if body, err = crypto.DecryptContent(res.Body, key); err != nil {
			return err
		}
	}
	return writeOutput(fetchOut, body)
}
