package labels

import (
	"fmt"
	"os"

	"github.com/stakelab/exitflow/internal/model"
	"gopkg.in/yaml.v3"
)

// Label is one entry of the curated, intentionally-incomplete address
// dataset.
type Label struct {
	Address  string `yaml:"address"`
	Category string `yaml:"category"`
	Name     string `yaml:"name"`
}

type labelFile struct {
	// EndpointCategories lists which categories count as trace endpoints
	// (e.g. exchange deposit wallets). Every other labeled address can be
	// routed through but never counts as a match itself.
	EndpointCategories []string `yaml:"endpoint_categories"`
	Labels             []Label  `yaml:"labels"`
}

// Set is an immutable, normalized view of the label dataset.
type Set struct {
	byAddress  map[model.Address]Label
	isEndpoint map[model.Address]bool
}

// Load reads a YAML label dataset from path.
func Load(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label dataset: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Set from raw YAML.
func Parse(raw []byte) (*Set, error) {
	var file labelFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse label dataset: %w", err)
	}

	endpointCats := make(map[string]bool, len(file.EndpointCategories))
	for _, cat := range file.EndpointCategories {
		endpointCats[cat] = true
	}

	s := &Set{
		byAddress:  make(map[model.Address]Label, len(file.Labels)),
		isEndpoint: make(map[model.Address]bool, len(file.Labels)),
	}
	for _, l := range file.Labels {
		addr := model.NormalizeAddress(l.Address)
		if !addr.IsValid() {
			return nil, fmt.Errorf("invalid label address %q (name=%s)", l.Address, l.Name)
		}
		if _, dup := s.byAddress[addr]; dup {
			return nil, fmt.Errorf("duplicate label address %s", addr)
		}
		s.byAddress[addr] = l
		s.isEndpoint[addr] = endpointCats[l.Category]
	}
	return s, nil
}

// NewSet builds a Set directly; endpoints marks which of the labels count
// as trace endpoints. Used by tests and programmatic drivers.
func NewSet(entries []Label, endpoints map[string]bool) *Set {
	s := &Set{
		byAddress:  make(map[model.Address]Label, len(entries)),
		isEndpoint: make(map[model.Address]bool, len(entries)),
	}
	for _, l := range entries {
		addr := model.NormalizeAddress(l.Address)
		s.byAddress[addr] = l
		s.isEndpoint[addr] = endpoints[l.Category]
	}
	return s
}

// Lookup returns the label for addr, if any.
func (s *Set) Lookup(addr model.Address) (Label, bool) {
	l, ok := s.byAddress[addr]
	return l, ok
}

// IsEndpoint reports whether addr is labeled with an endpoint category.
func (s *Set) IsEndpoint(addr model.Address) bool {
	return s.isEndpoint[addr]
}

// Len returns the number of labeled addresses.
func (s *Set) Len() int {
	return len(s.byAddress)
}
