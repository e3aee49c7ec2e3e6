package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Attributes holds the data gathered by lookup and enrichment. Each domain
// owns a disjoint subset of fields.
type Attributes struct {
	// lookup
	Carrier    string `json:"carrier,omitempty"`
	LineType   string `json:"line_type,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
	CallerType string `json:"caller_type,omitempty"`
	Country    string `json:"country,omitempty"`

	// business
	BusinessName string `json:"business_name,omitempty"`
	Industry     string `json:"industry,omitempty"`
	Website      string `json:"website,omitempty"`
	EmployeeSize string `json:"employee_size,omitempty"`

	// email
	Email string `json:"email,omitempty"`

	// address
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`

	// trust
	TrustStatus string `json:"trust_status,omitempty"`
	TrustSID    string `json:"trust_sid,omitempty"`

	// coverage
	CoverageAvailable  *bool  `json:"coverage_available,omitempty"`
	CoverageTechnology string `json:"coverage_technology,omitempty"`
}

// field binds a provider data key to an attribute.
type field struct {
	key string
	ptr func(a *Attributes) *string
}

var lookupFields = []field{
	{"carrier", func(a *Attributes) *string { return &a.Carrier }},
	{"line_type", func(a *Attributes) *string { return &a.LineType }},
	{"caller_name", func(a *Attributes) *string { return &a.CallerName }},
	{"caller_type", func(a *Attributes) *string { return &a.CallerType }},
	{"country", func(a *Attributes) *string { return &a.Country }},
}

var domainFields = map[Domain][]field{
	DomainBusiness: {
		{"business_name", func(a *Attributes) *string { return &a.BusinessName }},
		{"industry", func(a *Attributes) *string { return &a.Industry }},
		{"website", func(a *Attributes) *string { return &a.Website }},
		{"employee_size", func(a *Attributes) *string { return &a.EmployeeSize }},
	},
	DomainEmail: {
		{"email", func(a *Attributes) *string { return &a.Email }},
	},
	DomainAddress: {
		{"street", func(a *Attributes) *string { return &a.Street }},
		{"city", func(a *Attributes) *string { return &a.City }},
		{"state", func(a *Attributes) *string { return &a.State }},
		{"postal_code", func(a *Attributes) *string { return &a.PostalCode }},
	},
	DomainTrust: {
		{"trust_status", func(a *Attributes) *string { return &a.TrustStatus }},
		{"trust_sid", func(a *Attributes) *string { return &a.TrustSID }},
	},
	DomainCoverage: {
		{"coverage_technology", func(a *Attributes) *string { return &a.CoverageTechnology }},
	},
}

// ApplyLookup copies carrier lookup data into the lookup fields. It reports
// whether any field was set.
func (a *Attributes) ApplyLookup(data map[string]any) bool {
	return applyFields(a, lookupFields, data)
}

// ApplyDomain copies provider data into the fields owned by d and nothing
// else. It reports whether the payload carried any usable value.
func (a *Attributes) ApplyDomain(d Domain, data map[string]any) bool {
	set := applyFields(a, domainFields[d], data)
	if d == DomainCoverage {
		if v, ok := data["coverage_available"]; ok {
			if b, ok := toBool(v); ok {
				a.CoverageAvailable = &b
				set = true
			}
		}
	}
	return set
}

// Backfill copies every field that is empty on a but set on src. It returns
// the JSON names of the copied fields.
func (a *Attributes) Backfill(src Attributes) []string {
	var copied []string
	all := append([]field{}, lookupFields...)
	for _, d := range Domains {
		all = append(all, domainFields[d]...)
	}
	for _, f := range all {
		dst := f.ptr(a)
		if *dst == "" {
			if v := *f.ptr(&src); v != "" {
				*dst = v
				copied = append(copied, f.key)
			}
		}
	}
	if a.CoverageAvailable == nil && src.CoverageAvailable != nil {
		b := *src.CoverageAvailable
		a.CoverageAvailable = &b
		copied = append(copied, "coverage_available")
	}
	return copied
}

// Populated returns how many of the tracked fields carry a value, and the total.
func (a *Attributes) Populated() (set, total int) {
	all := append([]field{}, lookupFields...)
	for _, d := range Domains {
		all = append(all, domainFields[d]...)
	}
	for _, f := range all {
		total++
		if *f.ptr(a) != "" {
			set++
		}
	}
	total++
	if a.CoverageAvailable != nil {
		set++
	}
	return set, total
}

func applyFields(a *Attributes, fields []field, data map[string]any) bool {
	set := false
	for _, f := range fields {
		v, ok := data[f.key]
		if !ok {
			continue
		}
		s := strings.TrimSpace(toString(v))
		if s == "" {
			continue
		}
		*f.ptr(a) = s
		set = true
	}
	return set
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	case float64:
		return val != 0, true
	}
	return false, false
}
