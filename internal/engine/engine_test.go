package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/config"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/storage/storagetest"
)

// fakeClient is a scripted sources.Client for deterministic engine tests,
// the fake-instead-of-network-mock pattern SPEC_FULL.md calls for.
type fakeClient struct {
	name        string
	byISBN      map[string]*model.CanonicalRecord
	byISBNErr   map[string]error
	searchTitle []model.CanonicalRecord
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) FetchByISBN(_ context.Context, isbn string) (*model.CanonicalRecord, error) {
	if err, ok := f.byISBNErr[isbn]; ok {
		return nil, err
	}
	if rec, ok := f.byISBN[isbn]; ok {
		return rec, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeClient) SearchByTitle(_ context.Context, _ string, limit int) ([]model.CanonicalRecord, error) {
	out := f.searchTitle
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClient) SearchByAuthor(_ context.Context, _ string, _ int) ([]model.CanonicalRecord, error) {
	return nil, nil
}

func (f *fakeClient) SearchSeries(_ context.Context, _, _ string, _ int) ([]model.CanonicalRecord, error) {
	return nil, nil
}

var _ sources.Client = (*fakeClient)(nil)

func newTestShards(t *testing.T) *cache.Shards {
	t.Helper()
	shards, err := cache.NewShards(config.CacheConfig{MaxEntries: 1000, BookTTLSeconds: 60, APITTLSeconds: 60, PageTTLSeconds: 60}, nil)
	require.NoError(t, err)
	return shards
}

func testCfg() config.EnrichmentConfig {
	return config.EnrichmentConfig{BatchSize: 5, InterBatchDelayMS: 0, LongTTLSeconds: 3600}
}

// TestEnrichByISBN_SingleSource covers scenario S1.
func TestEnrichByISBN_SingleSource(t *testing.T) {
	const rawISBN = "9780439708180"

	gw := storagetest.New()
	ctx := context.Background()
	_, _, err := gw.UpsertBookAndEdition(ctx, model.CanonicalRecord{
		ISBN13: rawISBN, Title: "Harry Potter 1", Authors: []string{"J.K. Rowling"}, Source: "seed",
	})
	require.NoError(t, err)

	mock := &fakeClient{name: "mock", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {
			ISBN13: rawISBN, Title: "Harry Potter and the Sorcerer's Stone", Authors: []string{"J.K. Rowling"},
			Publisher: "Scholastic", PageCount: 309, Description: "...", Source: "mock", FetchedAt: time.Now(),
		},
	}}

	e := New(sources.NewRegistry(mock), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "Harry Potter and the Sorcerer's Stone", outcome.Book.Title)
	assert.Equal(t, 309, outcome.Edition.PageCount)
	assert.Equal(t, []string{"mock"}, outcome.SourcesUsed)
}

// TestEnrichByISBN_MergePrecedence covers scenario S2.
func TestEnrichByISBN_MergePrecedence(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	a := &fakeClient{name: "a", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {ISBN13: rawISBN, Title: "Title", Authors: []string{"Auth"}, Publisher: "A-Pub", Source: "a", FetchedAt: time.Now()},
	}}
	b := &fakeClient{name: "b", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {ISBN13: rawISBN, Title: "Title", Authors: []string{"Auth"}, Publisher: "B-Pub", PageCount: 200, Source: "b", FetchedAt: time.Now()},
	}}

	e := New(sources.NewRegistry(a, b), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, "A-Pub", outcome.Edition.Publisher)
	assert.Equal(t, 200, outcome.Edition.PageCount)
}

func TestEnrichByISBN_CachedHit(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	calls := 0
	mock := &fakeClient{name: "mock", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {ISBN13: rawISBN, Title: "T", Authors: []string{"A"}, Source: "mock", FetchedAt: time.Now()},
	}}

	e := New(sources.NewRegistry(mock), gw, newTestShards(t), testCfg(), nil)

	first, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Kind)

	second, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCachedHit, second.Kind)
	_ = calls
}

// TestEnrichByISBN_EmptyDescriptionDoesNotEraseStored pins the §4.4
// freshest-non-empty rule: a source that omits description must not blank a
// previously stored one.
func TestEnrichByISBN_EmptyDescriptionDoesNotEraseStored(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	_, _, err := gw.UpsertBookAndEdition(ctx, model.CanonicalRecord{
		ISBN13: rawISBN, Title: "T", Authors: []string{"A"},
		Description: "A description worth keeping.", Source: "seed",
	})
	require.NoError(t, err)

	mock := &fakeClient{name: "mock", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {ISBN13: rawISBN, Title: "T", Authors: []string{"A"}, PageCount: 309, Source: "mock", FetchedAt: time.Now()},
	}}

	e := New(sources.NewRegistry(mock), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome.Kind)

	assert.Equal(t, "A description worth keeping.", outcome.Book.Description)
	assert.Equal(t, 309, outcome.Edition.PageCount)
}

// TestEnrichByISBN_PartialSourceFailure covers testable property 4.
func TestEnrichByISBN_PartialSourceFailure(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	ok := &fakeClient{name: "ok", byISBN: map[string]*model.CanonicalRecord{
		rawISBN: {ISBN13: rawISBN, Title: "T", Authors: []string{"A"}, Source: "ok", FetchedAt: time.Now()},
	}}
	failing := &fakeClient{name: "failing", byISBNErr: map[string]error{
		rawISBN: &model.SourceError{Kind: model.SourceTransient, Source: "failing", Detail: "timeout"},
	}}

	e := New(sources.NewRegistry(ok, failing), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, []string{"ok"}, outcome.SourcesUsed)
}

func TestEnrichByISBN_AllSourcesFail(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	failing := &fakeClient{name: "failing", byISBNErr: map[string]error{
		rawISBN: &model.SourceError{Kind: model.SourceTransient, Source: "failing", Detail: "timeout"},
	}}

	e := New(sources.NewRegistry(failing), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
}

func TestEnrichByISBN_NotFound(t *testing.T) {
	const rawISBN = "9780439708180"
	gw := storagetest.New()
	ctx := context.Background()

	notFound := &fakeClient{name: "nf"}

	e := New(sources.NewRegistry(notFound), gw, newTestShards(t), testCfg(), nil)
	outcome, err := e.EnrichByISBN(ctx, rawISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome.Kind)
}

// TestSearch_TextRanking covers scenario S3.
func TestSearch_TextRanking(t *testing.T) {
	gw := storagetest.New()
	ctx := context.Background()

	a := &fakeClient{name: "a", searchTitle: []model.CanonicalRecord{
		{ISBN13: "9781000000001", Title: "Harry Potter and the Sorcerer's Stone"},
		{ISBN13: "9781000000002", Title: "Prequel"},
	}}
	b := &fakeClient{name: "b", searchTitle: []model.CanonicalRecord{
		{ISBN13: "9781000000001", Title: "Harry Potter and the Sorcerer's Stone"},
		{ISBN13: "9781000000003", Title: "Harry Potter Encyclopedia"},
	}}

	e := New(sources.NewRegistry(a, b), gw, newTestShards(t), testCfg(), nil)
	results, err := e.Search(ctx, "harry potter", 10)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "9781000000001", results[0].Record.ISBN13)
}

func TestSearch_ISBNClassification(t *testing.T) {
	gw := storagetest.New()
	ctx := context.Background()

	mock := &fakeClient{name: "mock", byISBN: map[string]*model.CanonicalRecord{
		"9780439708180": {ISBN13: "9780439708180", Title: "T"},
	}}

	e := New(sources.NewRegistry(mock), gw, newTestShards(t), testCfg(), nil)
	results, err := e.Search(ctx, "978-0-439-70818-0", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mock", results[0].Source)
}
