// Package pipeline merges extracted records into the CSV store: validation,
// deduplication against history, backups and writing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// CommitResult describes one merge into the store.
type CommitResult struct {
	// Received is the number of records handed to Commit.
	Received   int
	Invalid    int
	Existing   int
	Duplicates int
	New        []models.ErrataRecord
	Warnings   []Warning
	BackupPath string
	// MirrorErr is set when the CSV was written but the JSONL mirror was not.
	MirrorErr error
	// Rewritten is set when the store's header was not the canonical column
	// list and the whole file was rewritten instead of appended to.
	Rewritten bool

	// rewrite is set when the store cannot be appended to; existing then
	// holds the stored records to write back.
	rewrite  bool
	existing []models.ErrataRecord
}

// MaintenanceResult describes a stored-date rewrite.
type MaintenanceResult struct {
	Records    int
	Changed    int
	BackupPath string
}

// Pipeline coordinates validation, de-duplication, backup and output writing.
type Pipeline struct {
	store      *Store
	writer     OutputWriter
	normalizer *parser.Normalizer
}

// NewPipeline builds a pipeline from explicit parts.
func NewPipeline(store *Store, writer OutputWriter, n *parser.Normalizer) *Pipeline {
	return &Pipeline{store: store, writer: writer, normalizer: n}
}

// New builds the pipeline described by cfg.Output. Format "dual" mirrors
// every write to a JSONL file beside the CSV.
func New(cfg *config.Config, n *parser.Normalizer) *Pipeline {
	out := cfg.Output
	var writer OutputWriter = NewCSVWriter(out.CSVPath, n)
	if out.Format == config.FormatDual {
		writer = NewDualWriter(NewCSVWriter(out.CSVPath, n), NewJSONWriter(MirrorPath(out.CSVPath), n))
	}
	return NewPipeline(NewStore(out.CSVPath, out.BackupDir), writer, n)
}

// Commit merges records against the store and appends the new ones.
func (p *Pipeline) Commit(ctx context.Context, records []models.ErrataRecord) (CommitResult, error) {
	res, err := p.Merge(ctx, records)
	if err != nil {
		return res, err
	}
	return res, p.Persist(ctx, &res)
}

// Merge drops records failing the validity gate, collects validation
// warnings and removes records whose key is already stored. Only a failure
// to read the store is returned as an error.
func (p *Pipeline) Merge(ctx context.Context, records []models.ErrataRecord) (CommitResult, error) {
	res := CommitResult{Received: len(records)}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	valid := make([]models.ErrataRecord, 0, len(records))
	for _, rec := range records {
		if err := parser.ValidateRecord(rec); err != nil {
			res.Invalid++
			slog.Warn("dropping invalid record", slog.Any("error", err))
			continue
		}
		valid = append(valid, rec)
	}

	res.Warnings = Validate(valid)
	for _, w := range res.Warnings {
		slog.Warn("validation warning", slog.Int("record", w.Record), slog.String("field", w.Field), slog.String("message", w.Message))
	}

	existing, canonical, err := p.store.LoadChecked()
	if err != nil {
		return res, fmt.Errorf("load existing records: %w", err)
	}
	res.Existing = len(existing)
	if !canonical {
		res.rewrite = true
		res.existing = existing
	}

	res.New = Deduplicate(valid, existing)
	res.Duplicates = len(valid) - len(res.New)
	slog.Info("deduplicated records",
		slog.Int("received", len(valid)),
		slog.Int("existing", res.Existing),
		slog.Int("new", len(res.New)),
		slog.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

// Persist backs up the store and appends res.New. A store whose header is
// not the canonical column list is rewritten with the existing records
// followed by the new ones. A failed backup is logged and the write
// proceeds; a failed write is returned.
func (p *Pipeline) Persist(ctx context.Context, res *CommitResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(res.New) == 0 {
		slog.Info("no new records to write")
		return nil
	}

	res.BackupPath = p.backup()

	records, mode := res.New, Append
	if res.rewrite {
		records = append(slices.Clone(res.existing), res.New...)
		mode = Overwrite
		res.Rewritten = true
		slog.Warn("stored csv header is not canonical, rewriting store",
			slog.String("path", p.writer.Path()),
			slog.Int("existing", len(res.existing)),
		)
	}

	if err := p.writer.Write(records, mode); err != nil {
		if !errors.Is(err, ErrMirror) {
			return fmt.Errorf("write records: %w", err)
		}
		res.MirrorErr = err
		slog.Warn("json mirror not updated", slog.Any("error", err))
	}
	slog.Info("wrote records", slog.String("path", p.writer.Path()), slog.Int("records", len(res.New)))
	return nil
}

// NormalizeStoredDates rewrites the store with every Date_Updated in
// canonical form. Nothing is written when all dates are already canonical.
func (p *Pipeline) NormalizeStoredDates(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	records, err := p.store.Load()
	if err != nil {
		return res, fmt.Errorf("load existing records: %w", err)
	}
	res.Records = len(records)

	for i := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		normalized, _ := p.normalizer.NormalizeDate(records[i].DateUpdated)
		if normalized != records[i].DateUpdated {
			slog.Debug("normalized date",
				slog.String("from", records[i].DateUpdated),
				slog.String("to", normalized),
			)
			records[i].DateUpdated = normalized
			res.Changed++
		}
	}
	if res.Changed == 0 {
		slog.Info("stored dates already normalized", slog.Int("records", res.Records))
		return res, nil
	}

	res.BackupPath = p.backup()
	if err := p.writer.Write(records, Overwrite); err != nil && !errors.Is(err, ErrMirror) {
		return res, fmt.Errorf("rewrite records: %w", err)
	}
	slog.Info("normalized stored dates", slog.Int("records", res.Records), slog.Int("changed", res.Changed))
	return res, nil
}

func (p *Pipeline) backup() string {
	path, err := p.store.Backup()
	if err != nil {
		slog.Warn("backup failed, continuing with write", slog.Any("error", err))
		return ""
	}
	return path
}
