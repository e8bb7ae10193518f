// Package series implements the Series Integrity Engine (component C7):
// reconciling declared series totals with owned volumes, and detecting
// missing, duplicate, and orphaned volumes. Grounded on the same
// gateway-contract style as internal/engine, generalizing the teacher's
// "ask the gateway for the specific slice you need" pattern (internal's
// former controller.go GetSeries) rather than walking an ORM-style graph.
package series

import (
	"context"
	"fmt"
	"sort"

	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage"
)

// Report is the result of validating or reconciling one series.
type Report struct {
	SeriesName      string
	OwnedCount      int
	VolumeCount     int
	DeclaredTotal   *int
	ProposedTotal   int
	MissingPositions []int
	Duplicates      []int // positions with more than one volume row
	Orphans         []int64 // volume IDs whose book_id doesn't resolve
	Valid           bool
	Correctable     bool // reconcile has something to fix: owned over declared, duplicates or orphans
}

// Engine runs validate/reconcile/audit operations against a storage.Gateway.
type Engine struct {
	gateway storage.Gateway
}

// New constructs a series Engine.
func New(gateway storage.Gateway) *Engine {
	return &Engine{gateway: gateway}
}

// Validate implements C7's validate operation.
func (e *Engine) Validate(ctx context.Context, name string) (*Report, error) {
	s, volumes, err := e.gateway.GetSeriesWithVolumes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading series %q: %w", name, err)
	}
	return e.validate(ctx, s, volumes)
}

func (e *Engine) validate(ctx context.Context, s *model.Series, volumes []model.SeriesVolume) (*Report, error) {
	r := &Report{SeriesName: s.DisplayName, DeclaredTotal: s.TotalVolumes}

	byPosition := map[int][]model.SeriesVolume{}
	maxPosition := 0
	for _, v := range volumes {
		byPosition[v.Position] = append(byPosition[v.Position], v)
		if v.Position > maxPosition {
			maxPosition = v.Position
		}
		if v.Status == model.VolumeOwned {
			r.OwnedCount++
		}
		if v.BookID != nil {
			if _, err := e.gateway.ResolveBook(ctx, *v.BookID); err != nil {
				if err == storage.ErrNoRows {
					r.Orphans = append(r.Orphans, v.ID)
				} else {
					return nil, fmt.Errorf("resolving book %d: %w", *v.BookID, err)
				}
			}
		}
	}
	r.VolumeCount = len(byPosition)

	// proposed_total must cover every observed position, not just the count
	// of distinct positions -- a volume at position 7 with only 4 distinct
	// positions recorded still needs proposed_total=7 (S5).
	proposed := r.OwnedCount
	if maxPosition > proposed {
		proposed = maxPosition
	}
	if s.TotalVolumes != nil && *s.TotalVolumes > proposed {
		proposed = *s.TotalVolumes
	}
	r.ProposedTotal = proposed

	for pos := 1; pos <= r.ProposedTotal; pos++ {
		if len(byPosition[pos]) == 0 {
			r.MissingPositions = append(r.MissingPositions, pos)
		}
		if len(byPosition[pos]) > 1 {
			r.Duplicates = append(r.Duplicates, pos)
		}
	}
	sort.Ints(r.MissingPositions)
	sort.Ints(r.Duplicates)

	r.Valid = s.TotalVolumes == nil || r.OwnedCount <= *s.TotalVolumes
	r.Correctable = !r.Valid || len(r.Duplicates) > 0 || len(r.Orphans) > 0

	return r, nil
}

// Reconcile implements C7's reconcile operation: raises total_volumes to
// proposed_total (invariant 3 never lowers it below owned_count) and
// resolves duplicates by keeping the volume row with a linked book, else
// the oldest.
func (e *Engine) Reconcile(ctx context.Context, name string) (*Report, error) {
	s, volumes, err := e.gateway.GetSeriesWithVolumes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading series %q: %w", name, err)
	}

	report, err := e.validate(ctx, s, volumes)
	if err != nil {
		return nil, err
	}

	return report, e.gateway.Transaction(ctx, func(ctx context.Context, tx storage.Gateway) error {
		if _, err := tx.UpsertSeries(ctx, s.DisplayName, &report.ProposedTotal); err != nil {
			return fmt.Errorf("raising total_volumes: %w", err)
		}

		byPosition := map[int][]model.SeriesVolume{}
		for _, v := range volumes {
			byPosition[v.Position] = append(byPosition[v.Position], v)
		}
		for _, pos := range report.Duplicates {
			keep := dedupeKeep(byPosition[pos])
			if _, err := tx.LinkVolume(ctx, s.ID, pos, keep.BookID, keep.Status); err != nil {
				return fmt.Errorf("deduping position %d: %w", pos, err)
			}
		}
		for _, volID := range report.Orphans {
			for _, v := range volumes {
				if v.ID == volID {
					if _, err := tx.LinkVolume(ctx, s.ID, v.Position, nil, model.VolumeMissing); err != nil {
						return fmt.Errorf("clearing orphan volume %d: %w", volID, err)
					}
				}
			}
		}
		return nil
	})
}

// dedupeKeep picks which of several volume rows at the same position
// survives reconciliation: the one with a book linked, else the oldest.
func dedupeKeep(rows []model.SeriesVolume) model.SeriesVolume {
	best := rows[0]
	for _, r := range rows[1:] {
		switch {
		case r.BookID != nil && best.BookID == nil:
			best = r
		case r.BookID != nil && best.BookID != nil && r.CreatedAt.Before(best.CreatedAt):
			best = r
		case r.BookID == nil && best.BookID == nil && r.CreatedAt.Before(best.CreatedAt):
			best = r
		}
	}
	return best
}

// AuditResult is the outcome of auditing every series in the catalog.
type AuditResult struct {
	Valid       []string
	Correctable []string
	Invalid     []Report
}

// Recommendations derives human-readable remediation hints from an audit,
// the same idea as the original's `_generate_health_recommendations`: cheap
// to compute from data the audit already gathered.
func (a *AuditResult) Recommendations() []string {
	var recs []string
	if n := len(a.Correctable); n > 0 {
		recs = append(recs, fmt.Sprintf("Fix %d series with completion ratio issues", n))
	}
	var orphanCount, dupCount int
	for _, r := range a.Invalid {
		orphanCount += len(r.Orphans)
		dupCount += len(r.Duplicates)
	}
	if orphanCount > 0 {
		recs = append(recs, fmt.Sprintf("Clear %d orphaned volume links", orphanCount))
	}
	if dupCount > 0 {
		recs = append(recs, fmt.Sprintf("Deduplicate %d volume positions", dupCount))
	}
	return recs
}

// HealthScore returns the ratio of valid series to total, 0..100.
func (a *AuditResult) HealthScore() float64 {
	// Every non-valid series is in Invalid; Correctable is a subset of it.
	total := len(a.Valid) + len(a.Invalid)
	if total == 0 {
		return 100
	}
	return float64(len(a.Valid)) / float64(total) * 100
}

// AuditAll implements C7's audit_all operation over every persisted series.
func (e *Engine) AuditAll(ctx context.Context) (*AuditResult, error) {
	names, err := e.gateway.ListSeriesNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}

	result := &AuditResult{}
	for _, name := range names {
		report, err := e.Validate(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("auditing %q: %w", name, err)
		}
		switch {
		case report.Valid && len(report.Duplicates) == 0 && len(report.Orphans) == 0:
			result.Valid = append(result.Valid, name)
		case report.Correctable:
			result.Correctable = append(result.Correctable, name)
			result.Invalid = append(result.Invalid, *report)
		default:
			result.Invalid = append(result.Invalid, *report)
		}
	}
	return result, nil
}

// CheckUpdateTotalResult is the verdict of a pre-mutation total-volume check.
type CheckUpdateTotalResult struct {
	OK       bool
	Rejected bool
	OwnedCount int
}

// CheckUpdateTotal refuses any newTotal below the series' owned_count,
// exposed so other components can consult it before writing (invariant 3).
func (e *Engine) CheckUpdateTotal(ctx context.Context, name string, newTotal int) (CheckUpdateTotalResult, error) {
	report, err := e.Validate(ctx, name)
	if err != nil {
		return CheckUpdateTotalResult{}, err
	}
	if newTotal < report.OwnedCount {
		return CheckUpdateTotalResult{Rejected: true, OwnedCount: report.OwnedCount}, nil
	}
	return CheckUpdateTotalResult{OK: true, OwnedCount: report.OwnedCount}, nil
}

// CheckMarkOwnedResult is the verdict of a pre-mutation mark-owned check.
type CheckMarkOwnedResult struct {
	OK             bool
	ExceedsDeclared bool
}

// CheckMarkOwned does not block marking a volume owned, but flags when doing
// so would exceed the declared total -- a warning, not a rejection.
func (e *Engine) CheckMarkOwned(ctx context.Context, name string) (CheckMarkOwnedResult, error) {
	report, err := e.Validate(ctx, name)
	if err != nil {
		return CheckMarkOwnedResult{}, err
	}
	if report.DeclaredTotal != nil && report.OwnedCount+1 > *report.DeclaredTotal {
		return CheckMarkOwnedResult{OK: true, ExceedsDeclared: true}, nil
	}
	return CheckMarkOwnedResult{OK: true}, nil
}
