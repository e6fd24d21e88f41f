// Package directory holds the company listing served to voice clients and
// derives the front-desk persona each company's agent plays.
//
// The directory is read-only for callers; [Directory.Replace] swaps the whole
// listing atomically when the configuration is reloaded.
package directory

import (
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/frontdesk/internal/config"
)

// Company is one directory entry.
type Company struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Phone    string `json:"phone,omitempty"`

	// instructions overrides the generated persona when non-empty.
	instructions string
}

// DefaultCompanies is served when the configuration lists none.
var DefaultCompanies = []config.CompanyConfig{
	{Name: "Al Noor Bakery", Category: "Food & Beverage"},
	{Name: "Golden Sands Restaurant", Category: "Food & Beverage"},
	{Name: "Palm Health Clinic", Category: "Healthcare"},
	{Name: "Marina Crown Hotel", Category: "Hospitality"},
	{Name: "Emirates Trust Bank", Category: "Finance"},
	{Name: "Falcon Digital Systems", Category: "Technology"},
	{Name: "Gulf Steel Industries", Category: "Industrial"},
	{Name: "Dune Logistics", Category: "Logistics"},
	{Name: "Oasis Fresh Foods", Category: "Food Distribution"},
	{Name: "Creek Side Consulting", Category: "Business Services"},
}

// Directory is a concurrency-safe company listing.
type Directory struct {
	mu        sync.RWMutex
	location  string
	companies []Company
	byName    map[string]int
}

// New builds a directory from cfg.
func New(cfg config.DirectoryConfig) *Directory {
	d := &Directory{}
	d.Replace(cfg)
	return d
}

// Replace swaps the listing for the one described by cfg.
func (d *Directory) Replace(cfg config.DirectoryConfig) {
	src := cfg.Companies
	if len(src) == 0 {
		src = DefaultCompanies
	}
	location := cfg.Location
	if location == "" {
		location = config.DefaultLocation
	}

	companies := make([]Company, 0, len(src))
	byName := make(map[string]int, len(src))
	for _, c := range src {
		key := normalise(c.Name)
		if key == "" {
			continue
		}
		if _, dup := byName[key]; dup {
			continue
		}
		byName[key] = len(companies)
		companies = append(companies, Company{
			Name:         strings.TrimSpace(c.Name),
			Category:     c.Category,
			Phone:        c.Phone,
			instructions: c.Instructions,
		})
	}

	d.mu.Lock()
	d.location, d.companies, d.byName = location, companies, byName
	d.mu.Unlock()
}

// Location returns the city every front desk claims to be in.
func (d *Directory) Location() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.location
}

// List returns all companies in configuration order.
func (d *Directory) List() []Company {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.companies)
}

// Lookup finds a company by name, ignoring case and surrounding whitespace.
func (d *Directory) Lookup(name string) (Company, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byName[normalise(name)]
	if !ok {
		return Company{}, false
	}
	return d.companies[i], true
}

// Instructions returns the persona for name. Listed companies may carry an
// explicit override; any other non-empty name gets generated text. An empty
// name yields no instructions.
func (d *Directory) Instructions(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if c, ok := d.Lookup(name); ok {
		if c.instructions != "" {
			return c.instructions
		}
		name = c.Name
	}
	return Instructions(name, d.Location())
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
