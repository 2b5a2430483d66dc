// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/vectorhook/hookcore/libpf"

import (
	"cmp"
	"slices"
	"sort"
	"strings"
)

// SymbolValue is the st_value of a symbol: an address relative to the
// image's link-time layout.
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolValueInvalid is the value returned by SymbolMap functions when symbol was not found.
const SymbolValueInvalid = SymbolValue(0)

// Symbol is one entry of a symbol table.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

// SymbolMap is a name ordered symbol table. It supports exact, prefix and
// duplicate (weak symbol) lookups. Symbols are added with Add and the map
// must be finalized with Finalize before any lookup.
type SymbolMap struct {
	symbols []Symbol
}

// NewSymbolMap creates a map with room for capacity symbols.
func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		symbols: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.symbols = append(symmap.symbols, s)
}

// Finalize sorts the symbols by name. Symbols sharing a name keep the order
// in which they were added.
func (symmap *SymbolMap) Finalize() {
	symmap.symbols = slices.Clip(symmap.symbols)
	slices.SortStableFunc(symmap.symbols, func(a, b Symbol) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

// lowerBound returns the index of the first symbol not ordered before name.
func (symmap *SymbolMap) lowerBound(name string) int {
	return sort.Search(len(symmap.symbols), func(i int) bool {
		return string(symmap.symbols[i].Name) >= name
	})
}

// LookupSymbol returns the first symbol with the given name.
func (symmap *SymbolMap) LookupSymbol(name SymbolName) (*Symbol, bool) {
	i := symmap.lowerBound(string(name))
	if i < len(symmap.symbols) && symmap.symbols[i].Name == name {
		return &symmap.symbols[i], true
	}
	return nil, false
}

// LookupSymbolAddress returns the value of the first symbol with the given
// name, or SymbolValueInvalid.
func (symmap *SymbolMap) LookupSymbolAddress(name SymbolName) SymbolValue {
	if sym, ok := symmap.LookupSymbol(name); ok {
		return sym.Address
	}
	return SymbolValueInvalid
}

// LookupSymbolByPrefix returns the first symbol, in name order, that starts
// with the given prefix.
func (symmap *SymbolMap) LookupSymbolByPrefix(prefix string) (*Symbol, bool) {
	i := symmap.lowerBound(prefix)
	if i < len(symmap.symbols) && strings.HasPrefix(string(symmap.symbols[i].Name), prefix) {
		return &symmap.symbols[i], true
	}
	return nil, false
}

// LookupAll returns the values of all symbols with the given name.
func (symmap *SymbolMap) LookupAll(name SymbolName) []SymbolValue {
	var values []SymbolValue
	for i := symmap.lowerBound(string(name)); i < len(symmap.symbols); i++ {
		if symmap.symbols[i].Name != name {
			break
		}
		values = append(values, symmap.symbols[i].Address)
	}
	return values
}

// VisitAll calls the provided callback with all the symbols in name order.
func (symmap *SymbolMap) VisitAll(cb func(Symbol)) {
	for _, s := range symmap.symbols {
		cb(s)
	}
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.symbols)
}
