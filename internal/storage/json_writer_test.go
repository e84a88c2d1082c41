package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shopcrawler/pkg/types"
)

func testRecord(title, rawURL string) types.Product {
	return types.Product{
		Shop:      "shop.example",
		ProductID: 42,
		Title:     title,
		Price:     "9.99",
		Currency:  "USD",
		URL:       rawURL,
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestJSONWriterEmptyRunYieldsEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	w, err := NewJSONWriter(path, "json")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []types.Product
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("expected valid JSON array, got %q: %v", data, err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty array, got %d records", len(records))
	}
}

func TestJSONWriterArrayOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	w, err := NewJSONWriter(path, "json")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}

	ctx := context.Background()
	for _, title := range []string{"Desk", "Chair", "Lamp"} {
		if err := w.Write(ctx, testRecord(title, "https://shop.example/products/"+strings.ToLower(title))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if w.Count() != 3 {
		t.Fatalf("expected count 3, got %d", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []types.Product
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("expected valid JSON array: %v", err)
	}
	if len(records) != 3 || records[1].Title != "Chair" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].FetchedAt.IsZero() {
		t.Fatal("expected fetched_at preserved")
	}
}

func TestJSONWriterLinesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.jsonl")
	w, err := NewJSONWriter(path, "jsonl")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}
	ctx := context.Background()
	if err := w.Write(ctx, testRecord("Desk", "https://shop.example/products/desk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(ctx, testRecord("Chair", "https://shop.example/products/chair")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var record types.Product
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
	}
}

func TestJSONWriterReplacesPreviousOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")

	for run := 0; run < 2; run++ {
		w, err := NewJSONWriter(path, "json")
		if err != nil {
			t.Fatalf("run %d: NewJSONWriter: %v", run, err)
		}
		if err := w.Write(context.Background(), testRecord("Desk", "https://shop.example/products/desk")); err != nil {
			t.Fatalf("run %d: Write: %v", run, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("run %d: Close: %v", run, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []types.Product
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("expected valid JSON after re-run: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected re-run to replace output, got %d records", len(records))
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err %v", err)
	}
}

func TestJSONWriterAbortKeepsExistingOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.json")
	if err := os.WriteFile(path, []byte(`[{"title":"old","url":"u"}]`), 0o644); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	w, err := NewJSONWriter(path, "json")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), `"old"`) {
		t.Fatalf("expected previous output untouched, got %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err %v", err)
	}
}

func TestJSONWriterRejectsWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	w, err := NewJSONWriter(path, "json")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(context.Background(), testRecord("late", "https://shop.example/late")); err == nil {
		t.Fatal("expected write after close to fail")
	}
}

func TestJSONWriterUnknownFormat(t *testing.T) {
	if _, err := NewJSONWriter(filepath.Join(t.TempDir(), "x"), "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestJSONWriterCreatesOutputDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "products.json")
	w, err := NewJSONWriter(path, "json")
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected output created, stat err %v", err)
	}
}

func TestPipelineDropsRecordsWithoutURL(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(sink, nil)

	if err := p.Write(context.Background(), types.Product{Title: "no url"}); err != ErrMissingURL {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
	if err := p.Write(context.Background(), testRecord("Desk", "https://shop.example/products/desk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record forwarded, got %d", len(sink.records))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Fatal("expected sink closed")
	}
}

type memorySink struct {
	records []types.Product
	closed  bool
}

func (m *memorySink) Write(_ context.Context, record types.Product) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}
