package key_manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wylloh/logging"
	"wylloh/pkg/cas"
	"wylloh/pkg/crypto"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
)

// MetadataResolver finds a content item's recovery envelope address when no
// local record exists.
type MetadataResolver interface {
	ResolveRecoveryAddress(ctx context.Context, contentID string) (string, error)
}

// RecoveryRecord is the local discovery entry written on publish.
type RecoveryRecord struct {
	ContentID   string    `json:"contentId"`
	Address     string    `json:"address"`
	Owner       string    `json:"owner"`
	PublishedAt time.Time `json:"publishedAt"`
}

// RecoveryPath publishes and reads wallet-recoverable envelopes on
// content-addressed storage. It needs no service-held secret.
type RecoveryPath struct {
	blobs    cas.Store
	records  kvstore.Store
	resolver MetadataResolver
	now      func() time.Time
	logger   *logging.Logger
}

func NewRecoveryPath(blobs cas.Store, records kvstore.Store, resolver MetadataResolver) *RecoveryPath {
	return &RecoveryPath{
		blobs:    blobs,
		records:  records,
		resolver: resolver,
		now:      time.Now,
		logger:   logging.GetLogger().WithComponent("recovery"),
	}
}

func recoveryRecordKey(contentID string) string {
	return "recovery/" + contentID
}

// Publish wraps key under a secret derived from owner and contentID, stores
// the envelope and records its address.
func (r *RecoveryPath) Publish(ctx context.Context, contentID string, key crypto.ContentKey, owner string) (addr string, err error) {
	ctx, span := startKeyManagerSpan(ctx, "RecoveryPath.Publish", attribute.String("content_id", contentID))
	defer span.End()
	defer func() { recordRecoveryOp(ctx, "publish", err == nil) }()

	owner = models.NormalizePrincipal(owner)
	if err := models.ValidateContentID(contentID); err != nil {
		return "", fmt.Errorf("publish recoverable: %w", err)
	}
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	if len(key) != crypto.KeySize {
		return "", fmt.Errorf("%w: content key must be %d bytes", models.ErrInvalidKeyMaterial, crypto.KeySize)
	}

	secret := crypto.DeriveKeyFromIdentity(owner, contentID)
	defer crypto.Zero(secret)
	wrapped, err := crypto.WrapKey(key, secret)
	if err != nil {
		return "", fmt.Errorf("publish recoverable %s: %w", contentID, err)
	}

	now := r.now()
	data, err := models.EncodeEnvelope(&models.KeyEnvelope{
		Kind:           models.EnvelopeKindRecovery,
		ContentID:      contentID,
		WrappedKey:     wrapped,
		KeyVersion:     1,
		CreatedAt:      now,
		Owner:          owner,
		RecoveryMethod: models.RecoveryMethodWalletDerived,
	})
	if err != nil {
		return "", err
	}

	addr, err = r.blobs.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("failed to store recovery envelope for %s: %w", contentID, err)
	}

	record, err := json.Marshal(RecoveryRecord{ContentID: contentID, Address: addr, Owner: owner, PublishedAt: now})
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery record: %w", err)
	}
	if err := r.records.Put(ctx, recoveryRecordKey(contentID), record); err != nil {
		// The envelope is already on the network; discovery can still go
		// through the metadata resolver.
		r.logger.Warn("Published recovery envelope %s for %s but failed to record it locally: %v", addr, contentID, err)
	}

	r.logger.Info("Published recovery envelope for %s at %s", contentID, addr)
	return addr, nil
}

// Address resolves the recovery envelope address: local record first, then
// the metadata resolver.
func (r *RecoveryPath) Address(ctx context.Context, contentID string) (string, error) {
	data, err := r.records.Get(ctx, recoveryRecordKey(contentID))
	if err == nil {
		var rec RecoveryRecord
		if jerr := json.Unmarshal(data, &rec); jerr == nil && rec.Address != "" {
			return rec.Address, nil
		}
		r.logger.Warn("Ignoring malformed local recovery record for %s", contentID)
	} else if !kvstore.IsNotFound(err) {
		r.logger.Warn("Local recovery record lookup for %s failed: %v", contentID, err)
	}

	if r.resolver == nil {
		return "", fmt.Errorf("recovery address for %s: %w", contentID, models.ErrNotFound)
	}
	return r.resolver.ResolveRecoveryAddress(ctx, contentID)
}

// Recover returns the key from principal's recovery envelope, or nil, false
// when the envelope is missing, unreadable, or owned by someone else.
func (r *RecoveryPath) Recover(ctx context.Context, contentID, principal string) (key crypto.ContentKey, ok bool) {
	ctx, span := startKeyManagerSpan(ctx, "RecoveryPath.Recover", attribute.String("content_id", contentID))
	defer span.End()
	defer func() { recordRecoveryOp(ctx, "recover", ok) }()

	principal = models.NormalizePrincipal(principal)
	if models.ValidateContentID(contentID) != nil || principal == "" {
		return nil, false
	}

	addr, err := r.Address(ctx, contentID)
	if err != nil {
		r.logger.Info("No recovery envelope address for %s: %v", contentID, err)
		return nil, false
	}

	data, err := r.blobs.Get(ctx, addr)
	if err != nil {
		r.logger.Warn("Failed to fetch recovery envelope %s for %s: %v", addr, contentID, err)
		return nil, false
	}

	env, err := models.DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("Recovery envelope %s is invalid: %v", addr, err)
		return nil, false
	}
	if env.Kind != models.EnvelopeKindRecovery || env.ContentID != contentID {
		r.logger.Warn("Envelope %s is not a recovery envelope for %s", addr, contentID)
		return nil, false
	}
	if env.Owner != principal {
		r.logger.Info("Recovery of %s denied: envelope owned by %s, requested by %s", contentID, env.Owner, principal)
		return nil, false
	}

	secret := crypto.DeriveKeyFromIdentity(principal, contentID)
	defer crypto.Zero(secret)
	key, err = crypto.UnwrapKey(env.WrappedKey, secret)
	if err != nil {
		r.logger.Warn("Failed to unwrap recovery envelope for %s: %v", contentID, err)
		return nil, false
	}
	return key, true
}

// HTTPMetadataResolver reads recoveryEnvelopeCid from the content metadata
// API at {baseURL}/content/{id}.
type HTTPMetadataResolver struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewHTTPMetadataResolver(baseURL string, timeout time.Duration, retryMax int) *HTTPMetadataResolver {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	client.Logger = nil
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &HTTPMetadataResolver{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type contentMetadata struct {
	RecoveryEnvelopeCID string `json:"recoveryEnvelopeCid"`
}

func (h *HTTPMetadataResolver) ResolveRecoveryAddress(ctx context.Context, contentID string) (string, error) {
	endpoint := h.baseURL + "/content/" + url.PathEscape(contentID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata lookup for %s: %w", contentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("metadata for %s: %w", contentID, models.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata lookup for %s failed with status: %d", contentID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	var meta contentMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("failed to decode metadata for %s: %w", contentID, err)
	}
	if meta.RecoveryEnvelopeCID == "" {
		return "", errors.New("metadata has no recoveryEnvelopeCid")
	}
	return meta.RecoveryEnvelopeCID, nil
}
