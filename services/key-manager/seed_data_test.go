package key_manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wylloh/config"
	"wylloh/pkg/crypto"
	"wylloh/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
contents:
  - content_id: film-seeded
    owner: "0xAAAA000000000000000000000000000000000001"
    key: "0101010101010101010101010101010101010101010101010101010101010101"
    classification:
      kind: film
      film:
        title: Seeded
        rights:
          resaleAllowed: false
          royaltyBasisPoints: 250
    grants:
      - principal: "0xbbbb000000000000000000000000000000000002"
        level: VIEW
        expires_in: 24h
    purchases:
      - principal: "0xcccc000000000000000000000000000000000003"
        quantity: 2
    legacy_purchases:
      - principal: "0xcccc000000000000000000000000000000000003"
        title: Seeded
        quantity: 1
`

func TestParseSeedData(t *testing.T) {
	seed, err := ParseSeedData([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Contents, 1)

	c := seed.Contents[0]
	assert.Equal(t, "film-seeded", c.ContentID)
	require.NotNil(t, c.Classification)
	assert.Equal(t, models.ClassificationFilm, c.Classification.Kind)
	assert.Equal(t, 250, c.Classification.Film.Rights.RoyaltyBasisPoints)
	require.Len(t, c.Grants, 1)
	assert.Equal(t, "24h", c.Grants[0].ExpiresIn)
	require.Len(t, c.Purchases, 1)
	assert.Equal(t, int64(2), c.Purchases[0].Quantity)

	_, err = ParseSeedData([]byte("contents: [unterminated"))
	assert.Error(t, err)
}

func TestApplySeedData(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	seed, err := ParseSeedData([]byte(seedYAML))
	require.NoError(t, err)

	summary, err := ApplySeedData(ctx, f.manager, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{Keys: 1, Grants: 1, Purchases: 1, LegacyPrincipal: 1}, summary)

	want, err := crypto.ParseContentKey(strings.Repeat("01", 32))
	require.NoError(t, err)
	got, ok := f.manager.RetrieveKey(ctx, "film-seeded", owner)
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	grant, err := f.registry.Get(ctx, "film-seeded", viewer)
	require.NoError(t, err)
	require.NotNil(t, grant)
	require.NotNil(t, grant.ExpiresAt)
	assert.True(t, f.clock.Now().Add(24*time.Hour).Equal(*grant.ExpiresAt))

	rec, err := f.purchases.Purchase(ctx, stranger, "film-seeded")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.Quantity)
	require.NotNil(t, rec.Classification)

	legacy, err := f.purchases.HasLegacyPurchase(ctx, stranger, "film-seeded")
	require.NoError(t, err)
	assert.True(t, legacy)

	again, err := ApplySeedData(ctx, f.manager, seed)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Keys)
	assert.Equal(t, 1, again.SkippedKeys)
}

func TestApplySeedDataErrors(t *testing.T) {
	tests := []struct {
		name    string
		content ContentSeed
		wantErr error
	}{
		{name: "bad content id", content: ContentSeed{ContentID: "a/b", Owner: owner}, wantErr: models.ErrInvalidInput},
		{name: "bad key", content: ContentSeed{ContentID: "film-x", Owner: owner, Key: "abcd"}, wantErr: models.ErrInvalidKeyMaterial},
		{name: "bad level", content: ContentSeed{ContentID: "film-x", Owner: owner, Grants: []GrantSeed{{Principal: viewer, Level: "ROOT"}}}, wantErr: models.ErrInvalidInput},
		{name: "bad expiry", content: ContentSeed{ContentID: "film-x", Owner: owner, Grants: []GrantSeed{{Principal: viewer, Level: "VIEW", ExpiresIn: "soon"}}}, wantErr: models.ErrInvalidInput},
		{name: "negative purchase", content: ContentSeed{ContentID: "film-x", Owner: owner, Purchases: []PurchaseSeed{{Principal: viewer, Quantity: -1}}}, wantErr: models.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			_, err := ApplySeedData(context.Background(), f.manager, &SeedData{Contents: []ContentSeed{tt.content}})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDefaultSeedDataApplies(t *testing.T) {
	f := newManagerFixture(t)
	seed := DefaultSeedData()
	for _, c := range seed.Contents {
		if c.Classification != nil {
			require.NoError(t, c.Classification.Validate(), c.ContentID)
		}
	}

	summary, err := ApplySeedData(context.Background(), f.manager, seed)
	require.NoError(t, err)
	assert.Equal(t, len(seed.Contents), summary.Keys)
}

func TestInitializeSeedDataFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	f := newManagerFixture(t)
	InitializeSeedData(ctx, f.manager, config.KeyManagerConfig{SeedSampleData: false, SeedDataPath: path})
	env, err := f.manager.Envelopes().Get(ctx, "film-seeded")
	require.NoError(t, err)
	assert.Nil(t, env, "disabled seeding writes nothing")

	InitializeSeedData(ctx, f.manager, config.KeyManagerConfig{SeedSampleData: true, SeedDataPath: path})
	env, err = f.manager.Envelopes().Get(ctx, "film-seeded")
	require.NoError(t, err)
	assert.NotNil(t, env)
}
