package key_manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"wylloh/config"
	"wylloh/logging"
	"wylloh/pkg/crypto"
	"wylloh/pkg/models"

	"sigs.k8s.io/yaml"
)

// SeedData is the YAML document used to preload content keys, grants and
// purchase history in development environments.
type SeedData struct {
	Contents []ContentSeed `json:"contents" yaml:"contents"`
}

type ContentSeed struct {
	ContentID string `json:"content_id" yaml:"content_id"`
	Owner     string `json:"owner" yaml:"owner"`
	// Key is hex; a fresh key is generated when empty.
	Key             string                        `json:"key,omitempty" yaml:"key,omitempty"`
	Classification  *models.ContentClassification `json:"classification,omitempty" yaml:"classification,omitempty"`
	Grants          []GrantSeed                   `json:"grants,omitempty" yaml:"grants,omitempty"`
	Purchases       []PurchaseSeed                `json:"purchases,omitempty" yaml:"purchases,omitempty"`
	LegacyPurchases []LegacyPurchaseSeed          `json:"legacy_purchases,omitempty" yaml:"legacy_purchases,omitempty"`
}

type GrantSeed struct {
	Principal string `json:"principal" yaml:"principal"`
	Level     string `json:"level" yaml:"level"`
	// ExpiresIn is a Go duration string; empty means no expiry.
	ExpiresIn string `json:"expires_in,omitempty" yaml:"expires_in,omitempty"`
}

type PurchaseSeed struct {
	Principal string `json:"principal" yaml:"principal"`
	Quantity  int64  `json:"quantity" yaml:"quantity"`
	TxHash    string `json:"tx_hash,omitempty" yaml:"tx_hash,omitempty"`
}

type LegacyPurchaseSeed struct {
	Principal string `json:"principal" yaml:"principal"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Quantity  int64  `json:"quantity" yaml:"quantity"`
}

// SeedSummary counts what ApplySeedData wrote.
type SeedSummary struct {
	Keys            int
	SkippedKeys     int
	Grants          int
	Purchases       int
	LegacyPrincipal int
}

// InitializeSeedData loads seed data from cfg (or the built-in sample) and
// applies it. Failures are logged; seeding never blocks startup.
func InitializeSeedData(ctx context.Context, m *Manager, cfg config.KeyManagerConfig) {
	logger := logging.GetLogger().WithComponent("seed")
	if !cfg.SeedSampleData {
		logger.Info("Sample data seeding disabled via configuration")
		return
	}

	var seed *SeedData
	if cfg.SeedDataPath != "" {
		data, err := LoadSeedData(cfg.SeedDataPath)
		if err != nil {
			logger.Error("Failed to load seed data from %s: %v", cfg.SeedDataPath, err)
		} else {
			logger.Info("Loaded seed data from %s", cfg.SeedDataPath)
			seed = data
		}
	}
	if seed == nil {
		seed = DefaultSeedData()
		logger.Info("Using built-in sample data")
	}

	summary, err := ApplySeedData(ctx, m, seed)
	if err != nil {
		logger.Error("Failed to apply seed data: %v", err)
		return
	}
	logger.Info("Seeded %d keys (%d already present), %d grants, %d purchases, %d legacy purchase lists",
		summary.Keys, summary.SkippedKeys, summary.Grants, summary.Purchases, summary.LegacyPrincipal)
}

func LoadSeedData(path string) (*SeedData, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed data file: %w", err)
	}
	return ParseSeedData(payload)
}

func ParseSeedData(payload []byte) (*SeedData, error) {
	var seed SeedData
	if err := yaml.Unmarshal(payload, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed data: %w", err)
	}
	return &seed, nil
}

// ApplySeedData stores each content key, then grants and purchases. Content
// that is already keyed keeps its key; its grants and purchases are still
// applied.
func ApplySeedData(ctx context.Context, m *Manager, seed *SeedData) (SeedSummary, error) {
	var summary SeedSummary
	if seed == nil {
		return summary, nil
	}

	legacy := make(map[string][]models.LegacyPurchaseItem)
	for _, c := range seed.Contents {
		owner := models.NormalizePrincipal(c.Owner)
		if err := models.ValidateContentID(c.ContentID); err != nil {
			return summary, fmt.Errorf("seed content: %w", err)
		}

		key, err := seedKey(c.Key)
		if err != nil {
			return summary, fmt.Errorf("seed %s: %w", c.ContentID, err)
		}
		err = m.StoreKey(ctx, c.ContentID, key, owner)
		crypto.Zero(key)
		switch {
		case errors.Is(err, models.ErrAlreadyKeyed):
			summary.SkippedKeys++
		case err != nil:
			return summary, fmt.Errorf("seed %s: %w", c.ContentID, err)
		default:
			summary.Keys++
		}

		for _, g := range c.Grants {
			level, err := models.ParseAccessLevel(g.Level)
			if err != nil {
				return summary, fmt.Errorf("seed grant on %s: %w", c.ContentID, err)
			}
			var expiresAt *time.Time
			if g.ExpiresIn != "" {
				d, err := time.ParseDuration(g.ExpiresIn)
				if err != nil {
					return summary, fmt.Errorf("%w: seed grant expiry %q", models.ErrInvalidInput, g.ExpiresIn)
				}
				t := m.now().Add(d)
				expiresAt = &t
			}
			if err := m.GrantAccess(ctx, c.ContentID, owner, g.Principal, level, expiresAt); err != nil {
				return summary, fmt.Errorf("seed grant on %s: %w", c.ContentID, err)
			}
			summary.Grants++
		}

		if m.purchases == nil {
			continue
		}
		for _, p := range c.Purchases {
			if err := m.purchases.RecordPurchase(ctx, &models.PurchaseRecord{
				ContentID:      c.ContentID,
				Principal:      p.Principal,
				Quantity:       p.Quantity,
				TxHash:         p.TxHash,
				Classification: c.Classification,
			}); err != nil {
				return summary, fmt.Errorf("seed purchase of %s: %w", c.ContentID, err)
			}
			summary.Purchases++
		}
		for _, l := range c.LegacyPurchases {
			principal := models.NormalizePrincipal(l.Principal)
			legacy[principal] = append(legacy[principal], models.LegacyPurchaseItem{
				ID:               c.ContentID,
				Title:            l.Title,
				PurchaseQuantity: l.Quantity,
			})
		}
	}

	for principal, items := range legacy {
		if err := m.purchases.ImportLegacyPurchases(ctx, principal, items); err != nil {
			return summary, fmt.Errorf("seed legacy purchases for %s: %w", principal, err)
		}
		summary.LegacyPrincipal++
	}
	return summary, nil
}

func seedKey(hexKey string) (crypto.ContentKey, error) {
	if hexKey == "" {
		return crypto.GenerateContentKey()
	}
	return crypto.ParseContentKey(hexKey)
}

// DefaultSeedData is a small catalogue owned by the development wallet.
func DefaultSeedData() *SeedData {
	const (
		studio = "0x8ba1f109551bd432803012645ac136ddd64dba72"
		viewer = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
		critic = "0x2546bcd3c84621e976d8185a91a922ae77ecec30"
	)
	return &SeedData{
		Contents: []ContentSeed{
			{
				ContentID: "film-night-harbor",
				Owner:     studio,
				Classification: &models.ContentClassification{
					Kind: models.ClassificationFilm,
					Film: &models.FilmDetails{
						Title:          "Night Harbor",
						ReleaseYear:    2024,
						RuntimeMinutes: 104,
						Rights:         models.FilmRights{ResaleAllowed: true, RoyaltyBasisPoints: 500, MaxSupply: 1000},
					},
				},
				Grants: []GrantSeed{
					{Principal: critic, Level: "VIEW", ExpiresIn: "168h"},
				},
				Purchases: []PurchaseSeed{
					{Principal: viewer, Quantity: 1},
				},
			},
			{
				ContentID: "trailer-night-harbor",
				Owner:     studio,
				Classification: &models.ContentClassification{
					Kind:    models.ClassificationTrailer,
					Trailer: &models.TrailerDetails{ParentContentID: "film-night-harbor"},
				},
				Grants: []GrantSeed{
					{Principal: viewer, Level: "VIEW"},
				},
			},
			{
				ContentID: "series-tidewater-s01e01",
				Owner:     studio,
				Classification: &models.ContentClassification{
					Kind:    models.ClassificationSeriesEpisode,
					Episode: &models.EpisodeDetails{SeriesID: "tidewater", Season: 1, Episode: 1, Title: "Low Water"},
				},
				LegacyPurchases: []LegacyPurchaseSeed{
					{Principal: viewer, Title: "Tidewater S01E01", Quantity: 1},
				},
			},
		},
	}
}
