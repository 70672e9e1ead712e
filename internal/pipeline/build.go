package pipeline

import (
	"io"

	"pacgen/internal/addresstable"
	"pacgen/internal/delegation"
	"pacgen/internal/domain"
	"pacgen/internal/netblock"
)

// BuildTable parses registry text for country, derives every allocation and
// folds the blocks into a table in a single pass. It also returns how many
// allocation records were read.
func BuildTable(r io.Reader, country string) (*addresstable.Table, int, error) {
	records := 0
	blocks := func(yield func(domain.NetworkBlock, error) bool) {
		for rec, err := range delegation.Parse(r, country) {
			if err != nil {
				yield(domain.NetworkBlock{}, err)
				return
			}
			records++
			block, err := netblock.Derive(rec)
			if !yield(block, err) || err != nil {
				return
			}
		}
	}

	table, err := addresstable.Build(blocks)
	if err != nil {
		return nil, records, err
	}
	return table, records, nil
}
