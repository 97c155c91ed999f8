// Package universe manages the registry of tracked instruments and
// resolution of user-supplied identifiers to known symbols.
package universe

import "time"

// Instrument represents a tracked symbol subject to periodic report
// computation. Identity is the symbol; the registry is supplied externally
// and treated as read-mostly.
type Instrument struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
