package plans

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// FreePlanID is the plan every catalog must define; it backs users without a
// resolvable subscription.
const FreePlanID = "free"

//go:embed plans.yaml
var defaultCatalog []byte

// Plan is a named set of per-metric ceilings.
type Plan struct {
	ID     string                       `yaml:"id" json:"id"`
	Name   string                       `yaml:"name" json:"name"`
	Limits map[model.Metric]model.Limit `yaml:"limits" json:"limits"`
}

// Limit returns the plan's ceiling for metric. Catalogs are validated to declare
// every metric, so the zero fallback only applies to unknown metrics.
func (p *Plan) Limit(metric model.Metric) model.Limit {
	if l, ok := p.Limits[metric]; ok {
		return l
	}
	return model.LimitOf(0)
}

// Catalog is the read-only table of plans.
type Catalog struct {
	order []string
	plans map[string]*Plan
}

type catalogFile struct {
	Plans []*Plan `yaml:"plans"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	c := &Catalog{plans: make(map[string]*Plan, len(f.Plans))}
	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan without id")
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.ID)
		}
		for metric := range p.Limits {
			if !metric.Valid() {
				return nil, fmt.Errorf("plan %q: unknown metric %q", p.ID, metric)
			}
		}
		for _, metric := range model.Metrics {
			if _, ok := p.Limits[metric]; !ok {
				return nil, fmt.Errorf("plan %q: missing limit for %s", p.ID, metric)
			}
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if _, ok := c.plans[FreePlanID]; !ok {
		return nil, fmt.Errorf("catalog must define the %q plan", FreePlanID)
	}
	return c, nil
}

// Get returns the plan with id.
func (c *Catalog) Get(id string) (*Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Free returns the free plan.
func (c *Catalog) Free() *Plan { return c.plans[FreePlanID] }

// List returns all plans in catalog order.
func (c *Catalog) List() []*Plan {
	out := make([]*Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}
