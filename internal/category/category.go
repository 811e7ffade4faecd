package category

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Unmapped is the category assigned to service names missing from the table.
const Unmapped = "Unmapped"

var ErrMalformed = errors.New("malformed category table")

//go:embed categories.csv
var defaultTable []byte

type Entry struct {
	Category     string `yaml:"category"`
	Subcategory  string `yaml:"subcategory"`
	Subcategory2 string `yaml:"subcategory2"`
}

// Map resolves a service name to its category triple. The key for each row
// is its finest level that is not "none".
type Map struct {
	entries map[string]Entry
}

// Load reads the table at path, picking the format from the extension.
// An empty path loads the table built into the binary.
func Load(path string) (*Map, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read category table: %w", err)
	}
	format := "csv"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	m, err := Parse(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func Default() (*Map, error) {
	return Parse(bytes.NewReader(defaultTable), "csv")
}

// Parse reads "csv" or "yaml" rows into a Map.
func Parse(r io.Reader, format string) (*Map, error) {
	var rows []Entry
	var err error
	switch format {
	case "csv":
		rows, err = parseCSV(r)
	case "yaml":
		rows, err = parseYAML(r)
	default:
		return nil, fmt.Errorf("unknown category table format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return build(rows)
}

func parseCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformed)
	}

	columns := map[string]int{}
	for i, name := range records[0] {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	catIdx, ok := columns["category"]
	if !ok {
		return nil, fmt.Errorf("%w: missing category column", ErrMalformed)
	}
	subIdx, hasSub := columns["subcategory"]
	sub2Idx, hasSub2 := columns["subcategory2"]

	cell := func(rec []string, idx int, present bool) string {
		if !present || idx >= len(rec) {
			return ""
		}
		return rec[idx]
	}

	rows := make([]Entry, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, Entry{
			Category:     cell(rec, catIdx, true),
			Subcategory:  cell(rec, subIdx, hasSub),
			Subcategory2: cell(rec, sub2Idx, hasSub2),
		})
	}
	return rows, nil
}

func parseYAML(r io.Reader) ([]Entry, error) {
	var doc struct {
		Categories []Entry `yaml:"categories"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc.Categories, nil
}

func build(rows []Entry) (*Map, error) {
	m := &Map{entries: make(map[string]Entry, len(rows))}
	for i, row := range rows {
		e := Entry{
			Category:     level(row.Category),
			Subcategory:  level(row.Subcategory),
			Subcategory2: level(row.Subcategory2),
		}
		key := e.key()
		if key == "" {
			return nil, fmt.Errorf("%w: row %d has no category", ErrMalformed, i+1)
		}
		// First row wins for a repeated key.
		if _, exists := m.entries[key]; !exists {
			m.entries[key] = e
		}
	}
	if len(m.entries) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrMalformed)
	}
	return m, nil
}

func level(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "none") {
		return ""
	}
	return v
}

func (e Entry) key() string {
	switch {
	case e.Subcategory2 != "":
		return e.Subcategory2
	case e.Subcategory != "":
		return e.Subcategory
	default:
		return e.Category
	}
}

func (m *Map) Lookup(serviceName string) (Entry, bool) {
	e, ok := m.entries[strings.TrimSpace(serviceName)]
	return e, ok
}

func (m *Map) Len() int { return len(m.entries) }
