package category

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultTable(t *testing.T) {
	m, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	e, ok := m.Lookup("Wilder Müll")
	if !ok {
		t.Fatal("expected Wilder Müll to be mapped")
	}
	if e.Category != "Abfall" || e.Subcategory != "Wilder Müll" || e.Subcategory2 != "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if _, ok := m.Lookup("Stadtbild"); ok {
		t.Fatal("Stadtbild should be unmapped")
	}
}

func TestFinestLevelIsKey(t *testing.T) {
	csvData := "category,subcategory,subcategory2\n" +
		"Straßen und Wege,Radweg,Radwegschäden\n" +
		"Graffiti,none,NONE\n" +
		"Grün,Bäume,\n"
	m, err := Parse(strings.NewReader(csvData), "csv")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", m.Len())
	}
	if _, ok := m.Lookup("Radweg"); ok {
		t.Fatal("coarser level must not be the key when a finer one exists")
	}
	e, ok := m.Lookup(" Radwegschäden ")
	if !ok || e.Subcategory != "Radweg" {
		t.Fatalf("Radwegschäden lookup = %+v, %v", e, ok)
	}
	if e, ok := m.Lookup("Graffiti"); !ok || e.Subcategory != "" {
		t.Fatalf("Graffiti lookup = %+v, %v", e, ok)
	}
	if _, ok := m.Lookup("Bäume"); !ok {
		t.Fatal("expected Bäume")
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
categories:
  - category: Abfall
    subcategory: Wilder Müll
    subcategory2: none
  - category: Verkehr
    subcategory: Ampeln
`
	m, err := Parse(strings.NewReader(doc), "yaml")
	if err != nil {
		t.Fatalf("Parse yaml failed: %v", err)
	}
	if e, ok := m.Lookup("Ampeln"); !ok || e.Category != "Verkehr" {
		t.Fatalf("Ampeln lookup = %+v, %v", e, ok)
	}
}

func TestMalformedTables(t *testing.T) {
	cases := map[string]string{
		"no category column": "name,sub\nA,B\n",
		"empty":              "",
		"header only":        "category,subcategory,subcategory2\n",
		"blank row":          "category,subcategory,subcategory2\nnone,none,none\n",
	}
	for name, data := range cases {
		if _, err := Parse(strings.NewReader(data), "csv"); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.yml")
	if err := os.WriteFile(path, []byte("categories:\n  - category: Brunnen\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := m.Lookup("Brunnen"); !ok {
		t.Fatal("expected Brunnen")
	}

	if _, err := Load(filepath.Join(dir, "missing.csv")); err == nil {
		t.Fatal("expected error for missing table")
	}

	m, err = Load("")
	if err != nil || m.Len() == 0 {
		t.Fatalf("Load(\"\") = %v, %v", m, err)
	}
}
