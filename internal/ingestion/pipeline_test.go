package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/config"
	"github.com/booktarr/enricher/internal/engine"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/storage/storagetest"
)

func testShards(t *testing.T) *cache.Shards {
	t.Helper()
	shards, err := cache.NewShards(config.CacheConfig{MaxEntries: 1000, BookTTLSeconds: 60, APITTLSeconds: 60, PageTTLSeconds: 60}, nil)
	require.NoError(t, err)
	return shards
}

func waitForCompletion(t *testing.T, jobs *JobStore, id string) model.IngestionJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := jobs.Get(id)
		require.True(t, ok)
		if job.Status == model.IngestionCompleted || job.Status == model.IngestionFailed {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not complete in time")
	return model.IngestionJob{}
}

// TestImport_PartialFailure covers scenario S6 at small scale: one good row,
// one row missing its title and one row with an invalid ISBN, both of the
// latter skipped.
func TestImport_PartialFailure(t *testing.T) {
	csvData := []byte("title,authors,isbn\n" +
		"Book One,Author A,9780439708180\n" +
		",Author B,9780439136365\n" + // missing title -> skipped
		"Book Three,Author C,not-an-isbn\n") // invalid isbn -> skipped

	gw := storagetest.New()
	shards := testShards(t)
	eng := engine.New(sources.NewRegistry(), gw, shards, config.EnrichmentConfig{BatchSize: 1, LongTTLSeconds: 60}, nil)
	jobs := NewJobStore()
	p := New(eng, gw, jobs, config.IngestionConfig{Concurrency: 2}, nil)

	job, err := p.Import(context.Background(), FormatCSVGeneric, csvData, ImportOptions{
		Mapping: ColumnMapping{FieldTitle: "title", FieldAuthors: "authors", FieldISBN: "isbn"},
	})
	require.NoError(t, err)

	final := waitForCompletion(t, jobs, job.ID)
	assert.Equal(t, model.IngestionCompleted, final.Status)
	assert.Equal(t, 1, final.Succeeded)
	assert.Equal(t, 2, final.Skipped)
	assert.Equal(t, 0, final.Failed)
}

func TestImport_SkipDuplicatesAcrossRuns(t *testing.T) {
	csvData := []byte("title,authors,isbn\n" +
		"Book One,Author A,9780439708180\n" +
		"Book Two,Author B,9780439136365\n")

	gw := storagetest.New()
	shards := testShards(t)
	eng := engine.New(sources.NewRegistry(), gw, shards, config.EnrichmentConfig{BatchSize: 1, LongTTLSeconds: 60}, nil)
	jobs := NewJobStore()
	p := New(eng, gw, jobs, config.IngestionConfig{Concurrency: 2}, nil)

	mapping := ColumnMapping{FieldTitle: "title", FieldAuthors: "authors", FieldISBN: "isbn"}
	skip := true

	job1, err := p.Import(context.Background(), FormatCSVGeneric, csvData, ImportOptions{Mapping: mapping, SkipDuplicates: &skip})
	require.NoError(t, err)
	first := waitForCompletion(t, jobs, job1.ID)
	assert.Equal(t, 2, first.Succeeded)

	job2, err := p.Import(context.Background(), FormatCSVGeneric, csvData, ImportOptions{Mapping: mapping, SkipDuplicates: &skip})
	require.NoError(t, err)
	second := waitForCompletion(t, jobs, job2.ID)
	assert.Equal(t, 0, second.Succeeded)
	assert.Equal(t, 2, second.Skipped)
}

func TestImport_DuplicateWithinFile(t *testing.T) {
	csvData := []byte("title,authors,isbn\n" +
		"Book One,Author A,9780439708180\n" +
		"Book One Again,Author A,9780439708180\n")

	gw := storagetest.New()
	shards := testShards(t)
	eng := engine.New(sources.NewRegistry(), gw, shards, config.EnrichmentConfig{BatchSize: 1, LongTTLSeconds: 60}, nil)
	jobs := NewJobStore()
	p := New(eng, gw, jobs, config.IngestionConfig{Concurrency: 2}, nil)

	job, err := p.Import(context.Background(), FormatCSVGeneric, csvData, ImportOptions{
		Mapping: ColumnMapping{FieldTitle: "title", FieldAuthors: "authors", FieldISBN: "isbn"},
	})
	require.NoError(t, err)

	final := waitForCompletion(t, jobs, job.ID)
	assert.Equal(t, 1, final.Succeeded)
	assert.Equal(t, 1, final.Skipped)
}

func TestPreview_GoodreadsUnwrapsISBN(t *testing.T) {
	csvData := []byte("Title,Author,ISBN13\n" +
		`Book One,Author A,="9780439708180"` + "\n")

	p := New(nil, nil, NewJobStore(), config.IngestionConfig{}, nil)

	result, err := p.Preview(FormatCSVGoodreads, csvData, 5)
	require.NoError(t, err)
	require.Len(t, result.Sample, 1)
	assert.Equal(t, "9780439708180", result.Sample[0]["ISBN13"])
	assert.Equal(t, "Title", result.Mapping[FieldTitle])
}

func TestImport_JSONHardcover(t *testing.T) {
	jsonData := []byte(`[{"title": "Book One", "authors": ["Author A"], "isbn13": "9780439708180"}]`)

	gw := storagetest.New()
	shards := testShards(t)
	eng := engine.New(sources.NewRegistry(), gw, shards, config.EnrichmentConfig{BatchSize: 1, LongTTLSeconds: 60}, nil)
	jobs := NewJobStore()
	p := New(eng, gw, jobs, config.IngestionConfig{Concurrency: 2}, nil)

	job, err := p.Import(context.Background(), FormatJSONHardcover, jsonData, ImportOptions{})
	require.NoError(t, err)

	final := waitForCompletion(t, jobs, job.ID)
	assert.Equal(t, 1, final.Succeeded)
}
