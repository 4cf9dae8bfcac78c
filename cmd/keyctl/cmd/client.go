package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wylloh/middleware"

	"github.com/hashicorp/go-retryablehttp"
)

// APIClient handles HTTP requests to the key manager API
type APIClient struct {
	BaseURL    string
	Token      string
	Wallet     string
	HTTPClient *http.Client
}

// NewAPIClient creates a client that retries transient failures twice.
func NewAPIClient(baseURL, token, wallet string) *APIClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 30 * time.Second

	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Wallet:     wallet,
		HTTPClient: rc.StandardClient(),
	}
}

func newClientFromFlags() *APIClient {
	return NewAPIClient(serverURL, token, wallet)
}

// Request makes an HTTP request to the key manager API
func (c *APIClient) Request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	url := c.BaseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Wallet != "" {
		req.Header.Set(middleware.WalletHeader, c.Wallet)
	}

	if verbose {
		fmt.Fprintf(debugWriter, "→ %s %s\n", method, url)
		if body != nil {
			jsonData, _ := json.MarshalIndent(body, "", "  ")
			fmt.Fprintf(debugWriter, "Request Body:\n%s\n", string(jsonData))
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if verbose {
		fmt.Fprintf(debugWriter, "← %s %s\n", resp.Status, resp.Proto)
	}

	return resp, nil
}

// Do sends the request and decodes a JSON object response. A 204 yields a
// nil map.
func (c *APIClient) Do(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	resp, err := c.Request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if err := CheckResponse(resp); err != nil {
		return nil, err
	}
	data, err := ReadResponseBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil, nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

// ReadResponseBody reads and closes the response body
func ReadResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// CheckResponse checks for API errors in the response
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, err := ReadResponseBody(resp)
	if err != nil {
		return fmt.Errorf("HTTP %d: failed to read error response", resp.StatusCode)
	}

	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp.Error)
}
