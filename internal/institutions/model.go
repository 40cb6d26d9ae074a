package institutions

import (
	"time"
)

// Institution represents a billed medical institution.
type Institution struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Address      string    `json:"address"`
	ContactEmail string    `json:"contact_email"`
	ContactPhone string    `json:"contact_phone"`
	TaxID        string    `json:"tax_id"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Institution kinds accepted by validation.
const (
	KindHospital   = "hospital"
	KindClinic     = "clinic"
	KindLaboratory = "laboratory"
	KindPractice   = "practice"
)

// ListFilters narrows institution listings.
type ListFilters struct {
	Search  string
	Kind    string
	Active  *bool
	Page    int
	Limit   int
	SortBy  string
	SortDir string
}
