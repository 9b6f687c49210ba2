package record

import (
	"os"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Default catalog id patterns.
const (
	DefaultCollectiblePattern = `^c[0-9]{3,5}$`
	DefaultCosmeticPattern    = `^k[0-9]{2,4}$`
)

// Catalog validates the ids which Record ownership maps may contain.
type Catalog struct {
	CollectiblePattern *regexp.Regexp
	CosmeticPattern    *regexp.Regexp

	// Known ids. If non-empty, a key must also be a member to be valid.
	collectibles map[string]struct{}
	cosmetics    map[string]struct{}
}

// DefaultCatalog returns a Catalog using the default patterns and no known-id lists.
func DefaultCatalog() *Catalog {
	return &Catalog{
		CollectiblePattern: regexp.MustCompile(DefaultCollectiblePattern),
		CosmeticPattern:    regexp.MustCompile(DefaultCosmeticPattern),
	}
}

// ValidCollectible returns true if |id| is an acceptable collectible key.
func (c *Catalog) ValidCollectible(id string) bool {
	return c.CollectiblePattern.MatchString(id) && member(c.collectibles, id)
}

// ValidCosmetic returns true if |id| is an acceptable cosmetic key.
func (c *Catalog) ValidCosmetic(id string) bool {
	return c.CosmeticPattern.MatchString(id) && member(c.cosmetics, id)
}

func member(set map[string]struct{}, id string) bool {
	if len(set) == 0 {
		return true
	}
	var _, ok = set[id]
	return ok
}

// catalogFile is the YAML representation of a Catalog:
//
//	collectibles:
//	  pattern: "^c[0-9]{3}$"
//	  ids: [c001, c002]
//	cosmetics:
//	  pattern: "^k[0-9]{2}$"
type catalogFile struct {
	Collectibles catalogSection `yaml:"collectibles"`
	Cosmetics    catalogSection `yaml:"cosmetics"`
}

type catalogSection struct {
	Pattern string   `yaml:"pattern"`
	IDs     []string `yaml:"ids"`
}

// ParseCatalog decodes a YAML catalog. Omitted patterns take their defaults.
func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return nil, errors.WithMessage(err, "decoding catalog")
	}
	var c = new(Catalog)
	var err error

	if c.CollectiblePattern, c.collectibles, err = f.Collectibles.build(DefaultCollectiblePattern); err != nil {
		return nil, errors.WithMessage(err, "collectibles")
	}
	if c.CosmeticPattern, c.cosmetics, err = f.Cosmetics.build(DefaultCosmeticPattern); err != nil {
		return nil, errors.WithMessage(err, "cosmetics")
	}
	return c, nil
}

// LoadCatalog reads and parses the YAML catalog at |path|. An empty path
// returns the DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "reading catalog")
	}
	return ParseCatalog(b)
}

func (s catalogSection) build(defaultPattern string) (*regexp.Regexp, map[string]struct{}, error) {
	var pattern = s.Pattern
	if pattern == "" {
		pattern = defaultPattern
	}
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "compiling pattern %q", pattern)
	}
	var ids map[string]struct{}
	for _, id := range s.IDs {
		if !re.MatchString(id) {
			return nil, nil, errors.Errorf("id %q doesn't match pattern %q", id, pattern)
		}
		if ids == nil {
			ids = make(map[string]struct{}, len(s.IDs))
		}
		ids[id] = struct{}{}
	}
	return re, ids, nil
}
