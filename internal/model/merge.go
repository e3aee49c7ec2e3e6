package model

import "time"

// MergeEntry is an immutable audit row written when a duplicate is merged.
type MergeEntry struct {
	ID           string    `json:"id"`
	PrimaryID    string    `json:"primary_id"`
	DuplicateID  string    `json:"duplicate_id"`
	Confidence   int       `json:"confidence"`
	FieldsCopied []string  `json:"fields_copied"`
	Auto         bool      `json:"auto"`
	CreatedAt    time.Time `json:"created_at"`
}
