package catalog

import (
	"testing"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProviders() []models.ProviderInfo {
	return []models.ProviderInfo{
		{
			Name: "openai",
			Type: "openai",
			Models: []models.Model{
				{ID: "gpt-4o", Tier: models.TierPremium, Capabilities: []models.Capability{models.CapabilityChat, models.CapabilityVision, models.CapabilityJSONOutput}},
				{ID: "gpt-4o-mini", Tier: models.TierStandard, Capabilities: []models.Capability{models.CapabilityChat, models.CapabilityJSONOutput}},
			},
		},
		{
			Name: "anthropic",
			Type: "anthropic",
			Models: []models.Model{
				{ID: "claude-haiku", Tier: models.TierStandard, Capabilities: []models.Capability{models.CapabilityChat, models.CapabilityVision}},
			},
		},
		{
			Name: "local",
			Type: "stub",
			Models: []models.Model{
				{ID: "echo", Tier: models.TierFree, Capabilities: []models.Capability{models.CapabilityChat}},
			},
		},
	}
}

func TestCatalog_ListModels(t *testing.T) {
	c, err := New(testProviders())
	require.NoError(t, err)

	t.Run("no filter", func(t *testing.T) {
		list, err := c.ListModels(ModelFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 4)
	})

	t.Run("vision capability", func(t *testing.T) {
		list, err := c.ListModels(ModelFilter{Capability: "vision"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, m := range list {
			assert.True(t, m.HasCapability(models.CapabilityVision), m.Key())
		}
	})

	t.Run("conjunction", func(t *testing.T) {
		list, err := c.ListModels(ModelFilter{Provider: "openai", Tier: "standard"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "gpt-4o-mini", list[0].ID)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := c.ListModels(ModelFilter{Tier: "platinum"})
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("unknown capability", func(t *testing.T) {
		_, err := c.ListModels(ModelFilter{Capability: "mind-reading"})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestCatalog_Lookup(t *testing.T) {
	c, err := New(testProviders())
	require.NoError(t, err)

	m, ok := c.Lookup("anthropic/claude-haiku")
	require.True(t, ok)
	assert.Equal(t, "anthropic", m.Provider)

	m, ok = c.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "local", m.Provider)

	_, ok = c.Lookup("nope")
	assert.False(t, ok)
}

func TestCatalog_Grouped(t *testing.T) {
	c, err := New(testProviders())
	require.NoError(t, err)

	groups, err := c.Grouped(ModelFilter{Capability: "chat"})
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "openai", groups[0].Name)
	assert.Len(t, groups[0].Models, 2)

	assert.Equal(t, []string{"openai", "anthropic", "local"}, c.Providers())
}

func TestNew_RejectsInvalidCatalogs(t *testing.T) {
	dup := testProviders()
	dup[0].Models = append(dup[0].Models, dup[0].Models[0])
	_, err := New(dup)
	assert.Error(t, err)

	badTier := testProviders()
	badTier[2].Models[0].Tier = "gold"
	_, err = New(badTier)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = New([]models.ProviderInfo{{Type: "stub"}})
	assert.Error(t, err)
}
