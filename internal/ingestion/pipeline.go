package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/booktarr/enricher/internal/config"
	"github.com/booktarr/enricher/internal/engine"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/metrics"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage"
)

// ImportOptions controls one Import call; nil pointer fields fall back to
// config.IngestionConfig's configured defaults.
type ImportOptions struct {
	// Mapping overrides the auto-detected mapping per field for
	// FormatCSVGeneric; ignored (the built-in dictionary wins) for every
	// other format.
	Mapping         ColumnMapping
	SkipDuplicates *bool
	EnrichMetadata *bool
}

// Pipeline drives the bulk Ingestion Pipeline (C5) over a catalog file.
type Pipeline struct {
	engine  *engine.Engine
	gateway storage.Gateway
	jobs    *JobStore
	cfg     config.IngestionConfig
	metrics *metrics.Registry // may be nil
}

// New constructs a Pipeline. m may be nil when no metrics are collected.
func New(eng *engine.Engine, gateway storage.Gateway, jobs *JobStore, cfg config.IngestionConfig, m *metrics.Registry) *Pipeline {
	return &Pipeline{engine: eng, gateway: gateway, jobs: jobs, cfg: cfg, metrics: m}
}

// Jobs exposes the Pipeline's JobStore so callers (e.g. an HTTP status
// endpoint, or a CLI polling loop) can look up a job without threading a
// second reference to the same store through their own wiring.
func (p *Pipeline) Jobs() *JobStore {
	return p.jobs
}

// PreviewResult is returned by Preview: no job is created.
type PreviewResult struct {
	Headers []string
	Mapping ColumnMapping
	Sample  []map[string]string
}

// Preview implements C5's preview mode: detected headers, auto-detected
// mapping, and the first n sample rows, without creating a job.
func (p *Pipeline) Preview(format Format, data []byte, n int) (PreviewResult, error) {
	if n <= 0 {
		n = 10
	}

	src, err := NewRowSource(format, data)
	if err != nil {
		return PreviewResult{}, err
	}

	headers := src.Headers()
	result := PreviewResult{Headers: headers, Mapping: DetectMapping(format, headers)}

	for i := 0; i < n; i++ {
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return PreviewResult{}, err
		}
		result.Sample = append(result.Sample, map[string]string(row))
	}
	return result, nil
}

// Import implements C5's full pipeline execution: creates a running job,
// streams rows, processes them under bounded concurrency, and transitions
// the job to completed or failed.
func (p *Pipeline) Import(ctx context.Context, format Format, data []byte, opts ImportOptions) (*model.IngestionJob, error) {
	src, err := NewRowSource(format, data)
	if err != nil {
		return nil, &model.ValidationError{Field: "catalog", Detail: err.Error()}
	}

	mapping := DetectMapping(format, src.Headers())
	if format == FormatCSVGeneric {
		// User-supplied entries win over the generic dictionary's guesses;
		// other formats always use their built-in dictionary.
		for field, col := range opts.Mapping {
			mapping[field] = col
		}
	}
	if _, ok := mapping[FieldTitle]; !ok {
		return nil, &model.ValidationError{Field: "mapping", Detail: "no column mapped to title"}
	}

	skipDuplicates := p.cfg.SkipDuplicatesDefault
	if opts.SkipDuplicates != nil {
		skipDuplicates = *opts.SkipDuplicates
	}
	enrich := p.cfg.EnrichDefault
	if opts.EnrichMetadata != nil {
		enrich = *opts.EnrichMetadata
	}

	job := p.jobs.create(estimateTotal(format, data))
	p.jobs.start(job.ID)

	go p.run(ctx, job.ID, src, mapping, skipDuplicates, enrich)

	return job, nil
}

func (p *Pipeline) run(ctx context.Context, jobID string, src RowSource, mapping ColumnMapping, skipDuplicates, enrich bool) {
	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	type indexedRow struct {
		index int
		row   rawRow
	}

	rows := make(chan indexedRow)
	var parseErr error

	go func() {
		defer close(rows)
		for i := 0; ; i++ {
			row, err := src.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				parseErr = err
				return
			}
			select {
			case rows <- indexedRow{index: i, row: row}:
			case <-ctx.Done():
				return
			}
		}
	}()

	seen := &sync.Map{} // normalized ISBN -> struct{}, for within-file duplicate detection.

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for r := range rows {
		r := r
		g.Go(func() error {
			outcome := p.processRow(gctx, r.index, r.row, mapping, skipDuplicates, enrich, seen)
			p.jobs.recordOutcome(jobID, outcome)
			p.metrics.ObserveIngestionRow(string(outcome.Kind))
			return nil // Per-row failures never abort the job (§7).
		})
	}
	_ = g.Wait()

	switch {
	case parseErr != nil:
		p.jobs.finish(jobID, model.IngestionFailed, parseErr.Error())
	case ctx.Err() != nil:
		p.jobs.finish(jobID, model.IngestionFailed, "cancelled")
	default:
		p.jobs.finish(jobID, model.IngestionCompleted, "")
	}
	if job, ok := p.jobs.Get(jobID); ok {
		p.metrics.ObserveIngestionJob(string(job.Status))
	}
}

func (p *Pipeline) processRow(ctx context.Context, index int, row rawRow, mapping ColumnMapping, skipDuplicates, enrich bool, seen *sync.Map) model.RowOutcome {
	cand := extractRow(row, mapping)

	if cand.Title == "" {
		return rowOutcome(index, model.RowSkipped, "missing title", "")
	}

	isbn10, isbn13 := isbn.Normalize(cand.ISBN)
	canonicalISBN := isbn13
	if canonicalISBN == "" {
		canonicalISBN = isbn10
	}
	if canonicalISBN == "" {
		return rowOutcome(index, model.RowSkipped, "missing or invalid isbn", cand.ISBN)
	}

	// CSV duplicate-within-file detection: a second row for the same ISBN
	// in this file is always skipped, independent of skip_duplicates (which
	// governs cross-file/gateway duplicates).
	if _, loaded := seen.LoadOrStore(canonicalISBN, struct{}{}); loaded {
		return rowOutcome(index, model.RowSkipped, "duplicate within file", canonicalISBN)
	}

	if skipDuplicates {
		existing, _, err := p.gateway.GetBookByISBN(ctx, canonicalISBN)
		if err != nil {
			return rowOutcome(index, model.RowFailed, fmt.Sprintf("checking existing record: %v", err), canonicalISBN)
		}
		if existing != nil {
			return rowOutcome(index, model.RowSkipped, "duplicate", canonicalISBN)
		}
	}

	rec := cand.toCanonicalRecord()
	_, _, err := p.gateway.UpsertBookAndEdition(ctx, rec)
	if err != nil {
		return rowOutcome(index, model.RowFailed, fmt.Sprintf("persisting row: %v", err), canonicalISBN)
	}

	if enrich {
		if _, err := p.engine.EnrichByISBN(ctx, canonicalISBN, false); err != nil {
			// Enrichment failures are warnings, not row failures: the
			// minimal record already persisted above stands.
			logging.Log(ctx).Warn("row enrichment failed", "isbn", canonicalISBN, "err", err)
		}
	}

	return rowOutcome(index, model.RowSucceeded, "", canonicalISBN)
}

// estimateTotal gives the job's initial Total a best-effort row count before
// the streaming pass completes: exact for JSON (already enumerated), a
// cheap newline count for CSV/TSV. Final succeeded+failed+skipped counters
// are authoritative regardless of this estimate.
func estimateTotal(format Format, data []byte) int {
	if format == FormatJSONHardcover {
		if src, err := newJSONRowSource(data); err == nil {
			return len(src.rows)
		}
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if n > 0 {
		n-- // Header row.
	}
	return n
}
