package provider

import "strings"

// ModelID is a model name optionally pinned to a provider, written
// "name:tag@provider".
type ModelID struct {
	Name     string
	Provider string
}

// ParseModelID splits id at its last '@'. Tags after ':' stay in Name.
func ParseModelID(id string) ModelID {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "@"); i > 0 && i < len(id)-1 {
		return ModelID{Name: id[:i], Provider: id[i+1:]}
	}
	return ModelID{Name: id}
}

func (m ModelID) String() string {
	if m.Provider == "" {
		return m.Name
	}
	return m.Name + "@" + m.Provider
}

// Qualified reports whether the id names a provider.
func (m ModelID) Qualified() bool {
	return m.Provider != ""
}

// Matches reports whether the id refers to model as served by provider.
// A bare name matches any provider.
func (m ModelID) Matches(provider, model string) bool {
	if m.Provider != "" && !strings.EqualFold(m.Provider, provider) {
		return false
	}
	return m.Name == model
}
