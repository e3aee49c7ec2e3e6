package model

import "time"

// Domain is one independent category of enrichment.
type Domain string

const (
	DomainBusiness Domain = "business"
	DomainEmail    Domain = "email"
	DomainAddress  Domain = "address"
	DomainTrust    Domain = "trust"
	DomainCoverage Domain = "coverage"
)

// Domains lists every enrichment domain in scheduling order.
var Domains = []Domain{DomainBusiness, DomainEmail, DomainAddress, DomainTrust, DomainCoverage}

// ParseDomain returns the domain named s.
func ParseDomain(s string) (Domain, bool) {
	for _, d := range Domains {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

// EnrichmentState tracks one domain on one record.
type EnrichmentState struct {
	Enriched      bool       `json:"enriched"`
	EnrichedAt    *time.Time `json:"enriched_at,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Attempts      int        `json:"attempts"`
	EmptyAttempts int        `json:"empty_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
