package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// Mode selects how a writer treats an existing file.
type Mode int

const (
	// Append adds rows after the existing ones.
	Append Mode = iota
	// Overwrite replaces the file.
	Overwrite
)

func (m Mode) String() string {
	if m == Overwrite {
		return "overwrite"
	}
	return "append"
}

func (m Mode) flags() int {
	if m == Overwrite {
		return os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	return os.O_CREATE | os.O_WRONLY | os.O_APPEND
}

// OutputWriter persists prepared records.
type OutputWriter interface {
	Write(records []models.ErrataRecord, mode Mode) error
	Path() string
}

// prepare re-normalizes dates and stamps Date_Extracted where empty.
// The input slice is not modified.
func prepare(n *parser.Normalizer, now time.Time, records []models.ErrataRecord) []models.ErrataRecord {
	today := now.Format(parser.CanonicalDate)
	out := make([]models.ErrataRecord, len(records))
	for i, rec := range records {
		rec.DateUpdated, _ = n.NormalizeDate(rec.DateUpdated)
		if rec.DateExtracted == "" {
			rec.DateExtracted = today
		}
		out[i] = rec
	}
	return out
}

// CSVWriter writes records with the canonical column order.
type CSVWriter struct {
	path       string
	normalizer *parser.Normalizer
	now        func() time.Time
	mu         sync.Mutex
}

// NewCSVWriter returns a writer for path. Nothing is opened until Write.
func NewCSVWriter(path string, n *parser.Normalizer) *CSVWriter {
	return &CSVWriter{path: path, normalizer: n, now: time.Now}
}

// Path returns the CSV location.
func (cw *CSVWriter) Path() string { return cw.path }

// Write stores records. Overwrite always writes the header; Append writes it
// only when the file is new or empty.
func (cw *CSVWriter) Write(records []models.ErrataRecord, mode Mode) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := ensureDir(cw.path); err != nil {
		return err
	}

	writeHeader := mode == Overwrite
	if mode == Append {
		info, err := os.Stat(cw.path)
		switch {
		case os.IsNotExist(err):
			writeHeader = true
		case err != nil:
			return fmt.Errorf("stat csv file: %w", err)
		case info.Size() == 0:
			writeHeader = true
		}
	}

	f, err := os.OpenFile(cw.path, mode.flags(), 0o644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if writeHeader {
		if err := writer.Write(models.Columns()); err != nil {
			f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, rec := range prepare(cw.normalizer, cw.now(), records) {
		if err := writer.Write(rec.Values()); err != nil {
			f.Close()
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv records: %w", err)
	}
	return f.Close()
}

// JSONWriter mirrors records as newline-delimited JSON.
type JSONWriter struct {
	path       string
	normalizer *parser.Normalizer
	now        func() time.Time
	mu         sync.Mutex
}

// NewJSONWriter returns a JSONL writer for path.
func NewJSONWriter(path string, n *parser.Normalizer) *JSONWriter {
	return &JSONWriter{path: path, normalizer: n, now: time.Now}
}

// Path returns the JSONL location.
func (jw *JSONWriter) Path() string { return jw.path }

// Write stores one JSON object per record.
func (jw *JSONWriter) Write(records []models.ErrataRecord, mode Mode) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := ensureDir(jw.path); err != nil {
		return err
	}
	f, err := os.OpenFile(jw.path, mode.flags(), 0o644)
	if err != nil {
		return fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	for _, rec := range prepare(jw.normalizer, jw.now(), records) {
		if err := encoder.Encode(rec); err != nil {
			f.Close()
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := buffer.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return f.Close()
}

// MirrorPath returns the JSONL path next to a CSV path: data/x.csv → data/x.jsonl.
func MirrorPath(csvPath string) string {
	ext := filepath.Ext(csvPath)
	return csvPath[:len(csvPath)-len(ext)] + ".jsonl"
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
