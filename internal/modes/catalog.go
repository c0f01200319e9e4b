package modes

import (
	_ "embed"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	Combined Mode = "combined"
	Mapped   Mode = "mapped"
	Both     Mode = "both"
)

// CombinedCollection receives every row produced in combined mode.
const CombinedCollection = "combined_dimensions"

var ErrInvalidMode = errors.New("invalid mode")

// InvalidModeError is returned for any mode outside the accepted set.
type InvalidModeError struct {
	Mode    string
	Allowed []Mode
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid mode %q: must be one of %v", e.Mode, e.Allowed)
}

func (e *InvalidModeError) Unwrap() error { return ErrInvalidMode }

// ParseRunMode accepts the modes an ingestion run can execute.
func ParseRunMode(s string) (Mode, error) {
	switch Mode(s) {
	case Combined, Mapped:
		return Mode(s), nil
	}
	return "", &InvalidModeError{Mode: s, Allowed: []Mode{Combined, Mapped}}
}

// ParseCountsMode additionally accepts "both", and treats empty as "both".
func ParseCountsMode(s string) (Mode, error) {
	if s == "" {
		return Both, nil
	}
	switch Mode(s) {
	case Combined, Mapped, Both:
		return Mode(s), nil
	}
	return "", &InvalidModeError{Mode: s, Allowed: []Mode{Combined, Mapped, Both}}
}

type Group struct {
	Dimension string   `yaml:"dimension"`
	Metrics   []string `yaml:"metrics"`
}

// Catalog is the static description of what each mode requests.
type Catalog struct {
	Combined struct {
		Dimensions []string `yaml:"dimensions"`
		Metrics    []string `yaml:"metrics"`
	} `yaml:"combined"`
	MappedGroups []Group             `yaml:"mapped"`
	UniqueKeys   map[string][]string `yaml:"unique_keys"`
	Indexes      map[string][]string `yaml:"indexes"`
}

type CombinedCounts struct {
	Dimensions int `json:"dimensions"`
	Metrics    int `json:"metrics"`
}

type MappedCounts struct {
	DimensionGroups int `json:"dimension_groups"`
	UniqueMetrics   int `json:"unique_metrics"`
}

type Counts struct {
	Combined *CombinedCounts `json:"combined,omitempty"`
	Mapped   *MappedCounts   `json:"mapped,omitempty"`
}

//go:embed modes.yaml
var defaultCatalog []byte

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the built-in catalog. The embedded file is validated by
// tests, so a parse failure here is a programming error.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultCatalog)
		if err != nil {
			panic(err)
		}
		defaultCat = c
	})
	return defaultCat
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse mode catalog")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Combined.Dimensions) == 0 || len(c.Combined.Metrics) == 0 {
		return errors.New("mode catalog: combined mode needs dimensions and metrics")
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for i, g := range c.MappedGroups {
		if g.Dimension == "" || len(g.Metrics) == 0 {
			return errors.Errorf("mode catalog: mapped group %d is incomplete", i)
		}
		if !seen.Add(g.Dimension) {
			return errors.Errorf("mode catalog: dimension %q mapped twice", g.Dimension)
		}
	}
	return nil
}

// Counts summarizes the catalog for the given mode, which must already be
// parsed with ParseCountsMode.
func (c *Catalog) Counts(mode Mode) Counts {
	var out Counts
	if mode == Combined || mode == Both {
		out.Combined = &CombinedCounts{
			Dimensions: len(c.Combined.Dimensions),
			Metrics:    len(c.Combined.Metrics),
		}
	}
	if mode == Mapped || mode == Both {
		metrics := mapset.NewThreadUnsafeSet[string]()
		for _, g := range c.MappedGroups {
			metrics.Append(g.Metrics...)
		}
		out.Mapped = &MappedCounts{
			DimensionGroups: len(c.MappedGroups),
			UniqueMetrics:   metrics.Cardinality(),
		}
	}
	return out
}

// UniqueKeysFor returns the natural key fields configured for a collection.
func (c *Catalog) UniqueKeysFor(collection string) []string {
	return c.UniqueKeys[collection]
}

// IndexesFor returns the fields to index on a collection.
func (c *Catalog) IndexesFor(collection string) []string {
	return c.Indexes[collection]
}

// CollectionFor names the collection that stores rows for one mapped dimension.
func CollectionFor(dimension string) string {
	return "ga_" + dimension
}
