package ply

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Table is an ordered set of equally long float32 columns. Types records the
// PLY scalar type each column was read from; written columns are "float".
type Table struct {
	Len     int
	Names   []string
	Columns map[string][]float32
	Types   map[string]string
}

// NewTable returns an empty table of n rows.
func NewTable(n int) *Table {
	return &Table{Len: n, Columns: map[string][]float32{}, Types: map[string]string{}}
}

// addEmpty registers a column to be filled by appending.
func (t *Table) addEmpty(name, typ string, capacity int) {
	if _, ok := t.Columns[name]; !ok {
		t.Names = append(t.Names, name)
	}
	t.Columns[name] = make([]float32, 0, capacity)
	t.Types[name] = typ
}

// Add appends a column. Its length must equal the table length and the
// name must be new.
func (t *Table) Add(name string, data []float32) error {
	if len(data) != t.Len {
		return fmt.Errorf("ply: column %s has %d values, table has %d rows", name, len(data), t.Len)
	}
	if _, ok := t.Columns[name]; ok {
		return fmt.Errorf("ply: duplicate column %s", name)
	}
	t.Names = append(t.Names, name)
	t.Columns[name] = data
	t.Types[name] = "float"
	return nil
}

// Column returns a column by name.
func (t *Table) Column(name string) ([]float32, bool) {
	c, ok := t.Columns[name]
	return c, ok
}

// Prefixed returns the names of columns named prefix<integer>, sorted by the
// integer suffix.
func (t *Table) Prefixed(prefix string) []string {
	type entry struct {
		name string
		idx  int
	}
	var found []entry
	for _, name := range t.Names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			continue
		}
		found = append(found, entry{name, idx})
	}
	slices.SortFunc(found, func(a, b entry) int { return a.idx - b.idx })
	out := make([]string, len(found))
	for i, e := range found {
		out[i] = e.name
	}
	return out
}
