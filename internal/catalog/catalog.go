package catalog

import (
	"fmt"
	"strings"

	"github.com/semantrix/aigateway/internal/models"
)

// ModelFilter narrows a model listing. Empty fields match everything.
type ModelFilter struct {
	Provider   string `json:"provider,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// Catalog is the immutable registry of providers and the models they offer.
type Catalog struct {
	providers []models.ProviderInfo
	models    []models.Model
	byKey     map[string]models.Model
	byID      map[string][]models.Model
}

// New builds a catalog from provider descriptions. Models inherit the
// provider name they are declared under.
func New(providers []models.ProviderInfo) (*Catalog, error) {
	c := &Catalog{
		byKey: make(map[string]models.Model),
		byID:  make(map[string][]models.Model),
	}

	seenProviders := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider name is required")
		}
		if _, dup := seenProviders[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		seenProviders[p.Name] = struct{}{}

		info := models.ProviderInfo{Name: p.Name, Type: p.Type}
		for _, m := range p.Models {
			if m.Provider == "" {
				m.Provider = p.Name
			}
			if m.Provider != p.Name {
				return nil, fmt.Errorf("model %q declared under provider %q names provider %q", m.ID, p.Name, m.Provider)
			}
			if m.ID == "" {
				return nil, fmt.Errorf("provider %q: model id is required", p.Name)
			}
			if _, err := models.ParseTier(string(m.Tier)); err != nil {
				return nil, fmt.Errorf("model %s: %w", m.Key(), err)
			}
			if _, dup := c.byKey[m.Key()]; dup {
				return nil, fmt.Errorf("duplicate model %s", m.Key())
			}

			m.Capabilities = append([]models.Capability(nil), m.Capabilities...)
			c.byKey[m.Key()] = m
			c.byID[m.ID] = append(c.byID[m.ID], m)
			c.models = append(c.models, m)
			info.Models = append(info.Models, m)
		}
		c.providers = append(c.providers, info)
	}

	return c, nil
}

// ListModels returns the models matching every predicate of filter, in
// registration order.
func (c *Catalog) ListModels(filter ModelFilter) ([]models.Model, error) {
	var (
		tier       models.Tier
		capability models.Capability
		err        error
	)
	if filter.Tier != "" {
		if tier, err = models.ParseTier(filter.Tier); err != nil {
			return nil, err
		}
	}
	if filter.Capability != "" {
		if capability, err = models.ParseCapability(filter.Capability); err != nil {
			return nil, err
		}
	}

	out := make([]models.Model, 0, len(c.models))
	for _, m := range c.models {
		if filter.Provider != "" && m.Provider != filter.Provider {
			continue
		}
		if tier != "" && m.Tier != tier {
			continue
		}
		if capability != "" && !m.HasCapability(capability) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Lookup resolves an explicit model reference. The reference is either
// "provider/id" or a bare id; a bare id owned by several providers resolves
// to the first registered one.
func (c *Catalog) Lookup(ref string) (models.Model, bool) {
	ref = strings.TrimSpace(ref)
	if m, ok := c.byKey[ref]; ok {
		return m, true
	}
	if ms := c.byID[ref]; len(ms) > 0 {
		return ms[0], true
	}
	return models.Model{}, false
}

// Models returns every registered model.
func (c *Catalog) Models() []models.Model {
	return append([]models.Model(nil), c.models...)
}

// Providers returns provider names in registration order.
func (c *Catalog) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name
	}
	return names
}

// Provider returns the description of the named provider.
func (c *Catalog) Provider(name string) (models.ProviderInfo, bool) {
	for _, p := range c.providers {
		if p.Name == name {
			return p, true
		}
	}
	return models.ProviderInfo{}, false
}

// Grouped lists matching models grouped by provider. Providers with no
// matching models are omitted.
func (c *Catalog) Grouped(filter ModelFilter) ([]models.ProviderInfo, error) {
	list, err := c.ListModels(filter)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]models.Model)
	for _, m := range list {
		groups[m.Provider] = append(groups[m.Provider], m)
	}

	out := make([]models.ProviderInfo, 0, len(groups))
	for _, p := range c.providers {
		if ms, ok := groups[p.Name]; ok {
			out = append(out, models.ProviderInfo{Name: p.Name, Type: p.Type, Models: ms})
		}
	}
	return out, nil
}
