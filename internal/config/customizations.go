package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bindery-io/bindery/internal/domain"
)

// Customizations holds per-organization bundle rewrite rules applied
// during bundle regeneration.
type Customizations struct {
	Organizations map[string]OrgCustomization `yaml:"organizations"`
}

// OrgCustomization describes how bundles belonging to one organization
// are rewritten before rebuilding.
type OrgCustomization struct {
	// Annotations are CSV annotation labels stamped onto the
	// regenerated bundle image.
	Annotations map[string]string `yaml:"annotations"`
	// RegistryReplacements maps registry hosts found in the bundle's
	// pull specs to their replacements.
	RegistryReplacements map[string]string `yaml:"registry_replacements"`
}

// LoadCustomizations reads the per-organization customization file.
// An empty path or a missing file yields empty customizations; only a
// present but unreadable or malformed file is an error.
func LoadCustomizations(path string) (*Customizations, error) {
	c := &Customizations{Organizations: map[string]OrgCustomization{}}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrConfigLoadFailed, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrConfigLoadFailed, path, err)
	}
	if c.Organizations == nil {
		c.Organizations = map[string]OrgCustomization{}
	}
	return c, nil
}

// For returns the customization for an organization, or an empty one
// when the organization has no entry.
func (c *Customizations) For(org string) OrgCustomization {
	if c == nil {
		return OrgCustomization{}
	}
	return c.Organizations[org]
}
