// Package manifest loads the federation deployment manifest. The manifest
// describes the deployment DNS name and the sibling products with their
// integration API base URLs and expected mTLS CNs. It is read once and
// memoised; the loaded value is read-only.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Product describes one sibling product in the federation.
type Product struct {
	API    string `json:"api"`
	URI    string `json:"uri"`
	CertCN string `json:"certcn"`
}

// Manifest is the parsed federation manifest.
type Manifest struct {
	DNS        string             `json:"dns"`
	Deployment string             `json:"deployment"`
	Products   map[string]Product `json:"products"`
}

// Loader reads the manifest file once and caches the result.
type Loader struct {
	path string

	once sync.Once
	m    *Manifest
	err  error
}

// NewLoader creates a Loader for the manifest at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Get returns the memoised manifest, loading it on first call.
func (l *Loader) Get() (*Manifest, error) {
	l.once.Do(func() {
		l.m, l.err = load(l.path)
	})
	return l.m, l.err
}

func load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.DNS == "" {
		return nil, fmt.Errorf("manifest has no dns entry")
	}

	for name, p := range m.Products {
		if p.API == "" {
			return nil, fmt.Errorf("product %s has no api URL", name)
		}
		if !strings.HasSuffix(p.API, "/") {
			p.API += "/"
			m.Products[name] = p
		}
	}

	return &m, nil
}

// ProductNames returns the product short names in stable order.
func (m *Manifest) ProductNames() []string {
	names := make([]string, 0, len(m.Products))
	for name := range m.Products {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReservedCNs returns the set of CNs reserved for products. Callsigns must
// not collide with these, and product-API mTLS callers must present one.
func (m *Manifest) ReservedCNs() map[string]bool {
	reserved := make(map[string]bool, len(m.Products))
	for _, p := range m.Products {
		if p.CertCN != "" {
			reserved[p.CertCN] = true
		}
	}
	return reserved
}

// IsReservedCN reports whether cn belongs to a product.
func (m *Manifest) IsReservedCN(cn string) bool {
	return m.ReservedCNs()[cn]
}
