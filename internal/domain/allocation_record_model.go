package domain

import "net/netip"

// AllocationRecord is one delegation line that passed the country/family filter.
// It is produced by the record parser and consumed right away by the deriver.
type AllocationRecord struct {
	Registry  string
	Country   string
	Family    string
	Start     netip.Addr
	HostCount uint64
	Date      string
	Status    string

	// Line is the 1-based position in the registry text, kept for error messages.
	Line int
}
