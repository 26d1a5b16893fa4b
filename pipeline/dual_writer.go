package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
)

// DualWriter writes the CSV store and its JSONL mirror together.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter pairs a CSV writer with a JSONL writer.
func NewDualWriter(csvWriter *CSVWriter, jsonWriter *JSONWriter) *DualWriter {
	return &DualWriter{csvWriter: csvWriter, jsonWriter: jsonWriter}
}

// Path returns the CSV location, which is the store of record.
func (dw *DualWriter) Path() string { return dw.csvWriter.Path() }

// Write stores records in both formats. A CSV failure is returned before
// the mirror is touched; a mirror failure is returned after the CSV write.
func (dw *DualWriter) Write(records []models.ErrataRecord, mode Mode) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.Write(records, mode); err != nil {
		return fmt.Errorf("csv write failed: %w", err)
	}
	if err := dw.jsonWriter.Write(records, mode); err != nil {
		return fmt.Errorf("%w: %w", ErrMirror, err)
	}
	return nil
}

// ErrMirror marks a failure of the JSONL mirror after the CSV was written.
var ErrMirror = errors.New("pipeline: json mirror write failed")
