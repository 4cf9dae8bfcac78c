package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// IPFSStore uses the Kubo HTTP RPC API.
type IPFSStore struct {
	apiURL string
	client *retryablehttp.Client
}

// IPFSOptions configures the API client.
type IPFSOptions struct {
	APIURL   string
	Timeout  time.Duration
	RetryMax int
}

func NewIPFSStore(opts IPFSOptions) *IPFSStore {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	client.Logger = nil
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	return &IPFSStore{
		apiURL: strings.TrimRight(opts.APIURL, "/"),
		client: client,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put adds and pins data, returning its CID.
func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	endpoint := s.apiURL + "/api/v0/add?pin=true&cid-version=1"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipfs add failed with status: %d", resp.StatusCode)
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("ipfs add: decode response: %w", err)
	}
	if added.Hash == "" {
		return "", errors.New("ipfs add: response has no hash")
	}
	return added.Hash, nil
}

// Get reads a blob by address.
func (s *IPFSStore) Get(ctx context.Context, address string) ([]byte, error) {
	cid, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	endpoint := s.apiURL + "/api/v0/cat?arg=" + url.QueryEscape(cid)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipfs cat %s failed with status: %d", cid, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("ipfs cat %s: response body is empty", cid)
	}
	return data, nil
}
