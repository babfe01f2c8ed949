// Package output renders crawl results as JSON lines or a YAML stream.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// Supported formats.
const (
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

// Writer emits one result at a time and is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	encode func(any) error
	close  func() error
}

// NewWriter builds a Writer for format over w.
func NewWriter(w io.Writer, format string) (*Writer, error) {
	switch format {
	case "", FormatJSONL, "json":
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return &Writer{encode: enc.Encode, close: func() error { return nil }}, nil
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &Writer{encode: enc.Encode, close: enc.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// Write emits result.
func (w *Writer) Write(result crawler.ScrapingResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encode(result); err != nil {
		return fmt.Errorf("encode result for %s: %w", result.URL, err)
	}
	return nil
}

// Encode emits an arbitrary value, such as a stats report, in the same format.
func (w *Writer) Encode(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return nil
}

// Close flushes the encoder. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.close()
}
