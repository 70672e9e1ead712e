// Package addresstable folds network blocks into the network -> netmask table
// that ends up in the generated script.
package addresstable

import (
	"iter"

	"pacgen/internal/domain"
)

// Table maps network addresses to netmasks. Keys keep the position of their
// first insertion. Merge policy is last write wins: a block whose network is
// already present replaces the stored netmask in place.
type Table struct {
	blocks map[string]domain.NetworkBlock
	order  []string

	overwrites int
}

func New() *Table {
	return &Table{blocks: make(map[string]domain.NetworkBlock)}
}

// Put inserts block and reports whether an existing entry was overwritten.
func (t *Table) Put(block domain.NetworkBlock) bool {
	key := block.Network.String()
	if _, found := t.blocks[key]; found {
		t.blocks[key] = block
		t.overwrites++
		return true
	}
	t.blocks[key] = block
	t.order = append(t.order, key)
	return false
}

func (t *Table) Len() int {
	return len(t.order)
}

// Overwrites counts Put calls that replaced an existing network.
func (t *Table) Overwrites() int {
	return t.overwrites
}

func (t *Table) Get(network string) (string, bool) {
	block, found := t.blocks[network]
	if !found {
		return "", false
	}
	return block.Netmask.String(), true
}

// All yields network/netmask pairs in insertion order.
func (t *Table) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, key := range t.order {
			if !yield(key, t.blocks[key].Netmask.String()) {
				return
			}
		}
	}
}

// Blocks yields the stored blocks in insertion order.
func (t *Table) Blocks() iter.Seq[domain.NetworkBlock] {
	return func(yield func(domain.NetworkBlock) bool) {
		for _, key := range t.order {
			if !yield(t.blocks[key]) {
				return
			}
		}
	}
}

// Build drains seq into a new table. The first error aborts the build and no
// table is returned.
func Build(seq iter.Seq2[domain.NetworkBlock, error]) (*Table, error) {
	table := New()
	for block, err := range seq {
		if err != nil {
			return nil, err
		}
		table.Put(block)
	}
	return table, nil
}
