package key_manager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"wylloh/config"
	"wylloh/pkg/crypto"
	"wylloh/pkg/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource yields the master secret from which per-content wrapping
// secrets are derived.
type SecretSource interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// StaticSecret is a master secret held in memory.
type StaticSecret []byte

func (s StaticSecret) MasterSecret(context.Context) ([]byte, error) {
	if len(s) < crypto.KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", models.ErrInvalidKeyMaterial, crypto.KeySize)
	}
	return append([]byte(nil), s...), nil
}

// EnvSecret reads a hex master secret from an environment variable.
type EnvSecret struct {
	Name string
}

func (e EnvSecret) MasterSecret(context.Context) ([]byte, error) {
	value := os.Getenv(e.Name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", e.Name)
	}
	return decodeMasterSecret(value)
}

// secretFetcher abstracts the secrets manager client for tests.
type secretFetcher interface {
	FetchSecret(ctx context.Context, region, endpoint, secretID, versionID, versionStage string) (string, error)
}

// AWSSecret reads the master secret from AWS Secrets Manager, optionally
// from one field of a JSON payload.
type AWSSecret struct {
	fetcher  secretFetcher
	Region   string
	Endpoint string
	SecretID string
	Field    string
}

func (a *AWSSecret) MasterSecret(ctx context.Context) ([]byte, error) {
	payload, err := a.fetcher.FetchSecret(ctx, a.Region, a.Endpoint, a.SecretID, "", "")
	if err != nil {
		return nil, err
	}
	value, err := extractFieldFromJSON(payload, a.Field)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", a.SecretID, err)
	}
	return decodeMasterSecret(value)
}

// NewSecretSource picks the master secret source named by the encryption
// configuration.
func NewSecretSource(cfg config.EncryptionConfig) (SecretSource, error) {
	switch strings.ToLower(cfg.MasterSecretSource) {
	case "", "env":
		name := cfg.MasterSecretEnv
		if name == "" {
			name = "WYLLOH_MASTER_SECRET"
		}
		return EnvSecret{Name: name}, nil
	case "config":
		raw, err := decodeMasterSecret(cfg.MasterSecret)
		if err != nil {
			return nil, err
		}
		return StaticSecret(raw), nil
	case "aws":
		return &AWSSecret{
			fetcher:  NewAWSSecretsManagerFetcher(),
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.Endpoint,
			SecretID: cfg.AWS.SecretID,
			Field:    cfg.AWS.Field,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported master secret source: %s", cfg.MasterSecretSource)
	}
}

func decodeMasterSecret(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: master secret is not hex: %v", models.ErrInvalidKeyMaterial, err)
	}
	if len(raw) < crypto.KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", models.ErrInvalidKeyMaterial, crypto.KeySize)
	}
	return raw, nil
}

var _ secretFetcher = (*AWSSecretsManagerFetcher)(nil)

// AWSSecretsManagerFetcher retrieves secret payloads and caches clients per region/endpoint
type AWSSecretsManagerFetcher struct {
	mu      sync.Mutex
	clients map[string]*secretsmanager.Client
}

func NewAWSSecretsManagerFetcher() *AWSSecretsManagerFetcher {
	return &AWSSecretsManagerFetcher{
		clients: make(map[string]*secretsmanager.Client),
	}
}

func (f *AWSSecretsManagerFetcher) FetchSecret(ctx context.Context, region, endpoint, secretID, versionID, versionStage string) (string, error) {
	if secretID == "" {
		return "", fmt.Errorf("secret id is required")
	}
	if region == "" {
		return "", fmt.Errorf("region is required to read secret %s", secretID)
	}

	client, err := f.getClient(ctx, region, endpoint)
	if err != nil {
		return "", err
	}

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if versionStage != "" {
		input.VersionStage = aws.String(versionStage)
	}

	output, err := client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}

	if output.SecretString != nil {
		return *output.SecretString, nil
	}
	if len(output.SecretBinary) > 0 {
		return string(output.SecretBinary), nil
	}
	return "", fmt.Errorf("secret %s did not return string or binary payload", secretID)
}

func (f *AWSSecretsManagerFetcher) getClient(ctx context.Context, region, endpoint string) (*secretsmanager.Client, error) {
	key := region + "|" + endpoint

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration for region %s: %w", region, err)
	}

	var opts []func(*secretsmanager.Options)
	if endpoint != "" {
		opts = append(opts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	client := secretsmanager.NewFromConfig(cfg, opts...)
	f.clients[key] = client
	return client, nil
}

func extractFieldFromJSON(payload, field string) (string, error) {
	if field == "" {
		return payload, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", fmt.Errorf("failed to parse secret JSON: %w", err)
	}

	value, ok := parsed[field]
	if !ok {
		return "", fmt.Errorf("secret JSON does not contain field %q", field)
	}

	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret field %q is not a string value", field)
	}
	return strValue, nil
}
