package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
)

const (
	backupPrefix = "errata_changes_backup_"
	backupLayout = "20060102_150405"
)

// Store reads the accumulated CSV and takes backups of it.
type Store struct {
	path      string
	backupDir string
	now       func() time.Time
}

// NewStore returns a store for the CSV at path with backups under backupDir.
func NewStore(path, backupDir string) *Store {
	return &Store{path: path, backupDir: backupDir, now: time.Now}
}

// Path returns the CSV location.
func (s *Store) Path() string { return s.path }

// Load returns every stored record. A missing or empty file yields no
// records. Columns are mapped by header name, so files written with a
// different column order or without some columns still load.
func (s *Store) Load() ([]models.ErrataRecord, error) {
	records, _, err := s.LoadChecked()
	return records, err
}

// LoadChecked is Load that also reports whether the file's header is exactly
// the canonical column list. A missing or empty file counts as canonical.
// Rows must not be appended to a file whose header is not canonical.
func (s *Store) LoadChecked() ([]models.ErrataRecord, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no existing csv file", slog.String("path", s.path))
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read csv header: %w", err)
	}

	columns := make([]string, len(header))
	names := make([]string, len(header))
	var scratch models.ErrataRecord
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		names[i] = name
		if !scratch.SetField(name, "") {
			slog.Debug("ignoring unknown csv column", slog.String("column", name))
			continue
		}
		columns[i] = name
	}
	canonical := slices.Equal(names, models.Columns())

	var records []models.ErrataRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("read csv record: %w", err)
		}
		var rec models.ErrataRecord
		for i, value := range row {
			if i < len(columns) && columns[i] != "" {
				rec.SetField(columns[i], value)
			}
		}
		records = append(records, rec)
	}

	slog.Info("loaded existing records",
		slog.String("path", s.path),
		slog.Int("records", len(records)),
		slog.Bool("canonical_header", canonical),
	)
	return records, canonical, nil
}

// Backup copies the CSV verbatim into the backup directory and returns the
// copy's path. A missing CSV is not an error and returns "".
func (s *Store) Backup() (string, error) {
	src, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no existing csv file to back up", slog.String("path", s.path))
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open csv file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory %q: %w", s.backupDir, err)
	}

	target := filepath.Join(s.backupDir, BackupName(s.now()))
	dst, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close backup file: %w", err)
	}

	slog.Info("backup created", slog.String("path", target))
	return target, nil
}

// BackupName is the file name of a backup taken at t.
func BackupName(t time.Time) string {
	return backupPrefix + t.Format(backupLayout) + ".csv"
}
