package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{100, TierPremium},
		{85, TierPremium},
		{84.99, TierStandard},
		{70, TierStandard},
		{69.99, TierBasic},
		{50, TierBasic},
		{49.99, TierUnqualified},
		{0, TierUnqualified},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFromScore(tt.score), "score %.2f", tt.score)
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-5))
	assert.Equal(t, 100.0, ClampScore(150))
	assert.Equal(t, 42.5, ClampScore(42.5))
}

func TestTierJSON(t *testing.T) {
	data, err := json.Marshal(TierPremium)
	require.NoError(t, err)
	assert.Equal(t, `"premium"`, string(data))

	var tier Tier
	require.NoError(t, json.Unmarshal([]byte(`"standard"`), &tier))
	assert.Equal(t, TierStandard, tier)

	assert.Error(t, json.Unmarshal([]byte(`"platinum"`), &tier))
}

func TestParseTier(t *testing.T) {
	for _, name := range []string{"premium", "standard", "basic", "unqualified"} {
		tier, err := ParseTier(name)
		require.NoError(t, err)
		assert.Equal(t, name, tier.String())
	}
	_, err := ParseTier("gold")
	assert.Error(t, err)
}
