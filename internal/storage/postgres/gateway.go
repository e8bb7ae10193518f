// Package postgres implements the storage.Gateway contract on top of
// jackc/pgx, the same driver the teacher repo uses for its own persistence
// (internal/persist.go) and durable cache shard. A write method called on
// the pool-backed Gateway runs its statements without an enclosing
// transaction; writes made through Transaction's tx share one pgx
// transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage"
)

// Gateway implements storage.Gateway against a Postgres pool.
type Gateway struct {
	db querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// code runs whether or not we're inside an explicit transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgconn is the subset of pgconn.CommandTag we use; aliased to avoid
// importing pgconn directly in this file's public surface.
type pgconn = interface{ RowsAffected() int64 }

// poolAdapter/txAdapter satisfy querier for *pgxpool.Pool and pgx.Tx
// respectively, since their Exec return types differ only in package path.
type poolAdapter struct{ *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn, error) {
	return p.Pool.Exec(ctx, sql, args...)
}

type txAdapter struct{ pgx.Tx }

func (t txAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn, error) {
	return t.Tx.Exec(ctx, sql, args...)
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	g := &Gateway{db: poolAdapter{pool}}
	if err := g.migrate(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Pool returns the underlying pool, for components (durable cache, metrics)
// that need to share the same connection.
func (g *Gateway) Pool() *pgxpool.Pool {
	return g.db.(poolAdapter).Pool
}

func (g *Gateway) migrate(ctx context.Context) error {
	_, err := g.Pool().Exec(ctx, _schema)
	return err
}

const _schema = `
CREATE TABLE IF NOT EXISTS books (
	id              BIGSERIAL PRIMARY KEY,
	title           TEXT NOT NULL,
	authors         TEXT[] NOT NULL DEFAULT '{}',
	categories      TEXT[] NOT NULL DEFAULT '{}',
	description     TEXT NOT NULL DEFAULT '',
	series_name     TEXT NOT NULL DEFAULT '',
	series_position DOUBLE PRECISION,
	metadata_source TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS editions (
	id             BIGSERIAL PRIMARY KEY,
	book_id        BIGINT NOT NULL REFERENCES books(id),
	isbn10         TEXT NOT NULL DEFAULT '',
	isbn13         TEXT NOT NULL DEFAULT '',
	publisher      TEXT NOT NULL DEFAULT '',
	published_date TEXT NOT NULL DEFAULT '',
	page_count     INT NOT NULL DEFAULT 0,
	language       TEXT NOT NULL DEFAULT '',
	format         TEXT NOT NULL DEFAULT '',
	thumbnail_url  TEXT NOT NULL DEFAULT '',
	prices         JSONB NOT NULL DEFAULT '[]',
	provenance     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS editions_isbn13_key ON editions (isbn13) WHERE isbn13 <> '';

CREATE TABLE IF NOT EXISTS series (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	total_volumes INT,
	ongoing       BOOLEAN NOT NULL DEFAULT true,
	provenance    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS series_volumes (
	id         BIGSERIAL PRIMARY KEY,
	series_id  BIGINT NOT NULL REFERENCES series(id),
	position   INT NOT NULL,
	book_id    BIGINT REFERENCES books(id),
	status     TEXT NOT NULL DEFAULT 'missing',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (series_id, position)
);
`

// GetBookByISBN implements storage.Gateway.
func (g *Gateway) GetBookByISBN(ctx context.Context, rawISBN string) (*model.Book, *model.Edition, error) {
	isbn10, isbn13 := isbn.Normalize(rawISBN)
	if isbn13 == "" {
		isbn13 = isbn.Clean(rawISBN)
	}
	row := g.db.QueryRow(ctx, `
		SELECT b.id, b.title, b.authors, b.categories, b.description, b.series_name, b.series_position,
		       b.metadata_source, b.created_at, b.updated_at,
		       e.id, e.book_id, e.isbn10, e.isbn13, e.publisher, e.published_date, e.page_count, e.language,
		       e.format, e.thumbnail_url, e.provenance, e.created_at, e.updated_at
		FROM editions e JOIN books b ON b.id = e.book_id
		WHERE e.isbn13 = $1 OR e.isbn10 = $2
		LIMIT 1`, isbn13, isbn10)

	var b model.Book
	var e model.Edition
	err := row.Scan(
		&b.ID, &b.Title, &b.Authors, &b.Categories, &b.Description, &b.SeriesName, &b.SeriesPosition,
		&b.MetadataSource, &b.CreatedAt, &b.UpdatedAt,
		&e.ID, &e.BookID, &e.ISBN10, &e.ISBN13, &e.Publisher, &e.PublishedDate, &e.PageCount, &e.Language,
		&e.Format, &e.ThumbnailURL, &e.Provenance, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get book by isbn: %w", err)
	}
	return &b, &e, nil
}

// GetAllBookISBNs implements storage.Gateway, streaming rather than loading
// every ISBN into memory at once.
func (g *Gateway) GetAllBookISBNs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := g.db.Query(ctx, `SELECT isbn13 FROM editions WHERE isbn13 <> ''`)
		if err != nil {
			yield("", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var isbn13 string
			if err := rows.Scan(&isbn13); err != nil {
				if !yield("", err) {
					return
				}
				continue
			}
			if !yield(isbn13, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}

// UpsertBookAndEdition implements storage.Gateway. Identity resolution:
// canonical ISBN-13 first, then (title, author-set). A stored ISBN-10 is
// promoted to ISBN-13 lazily here if the incoming record supplies one and
// the stored edition didn't have it yet.
func (g *Gateway) UpsertBookAndEdition(ctx context.Context, rec model.CanonicalRecord) (*model.Book, *model.Edition, error) {
	isbn10, isbn13 := rec.ISBN10, rec.ISBN13
	if isbn13 == "" && isbn10 != "" {
		isbn13 = isbn.ToISBN13(isbn10)
	}
	if isbn10 == "" && isbn13 != "" {
		isbn10 = isbn.ToISBN10(isbn13)
	}

	bookID, err := g.resolveBookID(ctx, rec, isbn13)
	if err != nil {
		return nil, nil, err
	}

	if bookID == 0 {
		row := g.db.QueryRow(ctx, `
			INSERT INTO books (title, authors, categories, description, series_name, series_position, metadata_source, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			RETURNING id`,
			rec.Title, rec.Authors, rec.Categories, rec.Description, rec.SeriesName, rec.SeriesPosition, rec.Source)
		if err := row.Scan(&bookID); err != nil {
			return nil, nil, fmt.Errorf("insert book: %w", err)
		}
	} else {
		// description takes the freshest non-empty value; a source that
		// omits it must not blank a stored one.
		_, err := g.db.Exec(ctx, `
			UPDATE books SET title = $2, authors = $3, categories = $4,
			                 description = CASE WHEN $5 <> '' THEN $5 ELSE description END,
			                 series_name = $6, series_position = $7, metadata_source = $8, updated_at = now()
			WHERE id = $1`,
			bookID, rec.Title, rec.Authors, rec.Categories, rec.Description, rec.SeriesName, rec.SeriesPosition, rec.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("update book: %w", err)
		}
	}

	editionID, err := g.upsertEdition(ctx, bookID, rec, isbn10, isbn13)
	if err != nil {
		return nil, nil, err
	}

	b, e, err := g.getBookAndEditionByID(ctx, bookID, editionID)
	if err != nil {
		return nil, nil, err
	}
	return b, e, nil
}

// resolveBookID returns an existing book's id by canonical ISBN-13 first,
// then by (title, author-set); 0 means no match.
func (g *Gateway) resolveBookID(ctx context.Context, rec model.CanonicalRecord, isbn13 string) (int64, error) {
	if isbn13 != "" {
		var bookID int64
		err := g.db.QueryRow(ctx, `SELECT book_id FROM editions WHERE isbn13 = $1`, isbn13).Scan(&bookID)
		if err == nil {
			return bookID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("resolve by isbn13: %w", err)
		}
	}

	if rec.Title == "" || len(rec.Authors) == 0 {
		return 0, nil
	}
	var bookID int64
	err := g.db.QueryRow(ctx, `
		SELECT id FROM books WHERE lower(title) = lower($1) AND authors = $2 LIMIT 1`,
		rec.Title, rec.Authors).Scan(&bookID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve by title/authors: %w", err)
	}
	return bookID, nil
}

func (g *Gateway) upsertEdition(ctx context.Context, bookID int64, rec model.CanonicalRecord, isbn10, isbn13 string) (int64, error) {
	var existingID int64
	var err error
	if isbn13 != "" {
		err = g.db.QueryRow(ctx, `SELECT id FROM editions WHERE isbn13 = $1`, isbn13).Scan(&existingID)
	} else {
		err = pgx.ErrNoRows
	}

	prices := pricesJSON(rec.Prices)

	if errors.Is(err, pgx.ErrNoRows) {
		row := g.db.QueryRow(ctx, `
			INSERT INTO editions (book_id, isbn10, isbn13, publisher, published_date, page_count, language,
			                       thumbnail_url, prices, provenance, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			RETURNING id`,
			bookID, isbn10, isbn13, rec.Publisher, rec.PublishedDate, rec.PageCount, rec.Language,
			rec.ThumbnailURL, prices, rec.Source)
		var id int64
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("insert edition: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup edition: %w", err)
	}

	// Promote a stored ISBN-10-only row to carry ISBN-13 now, and append
	// (not overwrite) the new price point(s). §4.4 grants "always prefer
	// freshest non-empty value" only to published_date/page_count/
	// thumbnail_url (description lives on the book, not the edition);
	// publisher and language are ordinary scalars and only fill when the
	// stored value is empty.
	_, err = g.db.Exec(ctx, `
		UPDATE editions SET
			isbn10 = CASE WHEN isbn10 = '' THEN $2 ELSE isbn10 END,
			isbn13 = CASE WHEN isbn13 = '' THEN $3 ELSE isbn13 END,
			publisher = CASE WHEN publisher = '' THEN $4 ELSE publisher END,
			published_date = CASE WHEN $5 <> '' THEN $5 ELSE published_date END,
			page_count = CASE WHEN $6 > 0 THEN $6 ELSE page_count END,
			language = CASE WHEN language = '' THEN $7 ELSE language END,
			thumbnail_url = CASE WHEN $8 <> '' THEN $8 ELSE thumbnail_url END,
			prices = prices || $9::jsonb,
			updated_at = now()
		WHERE id = $1`,
		existingID, isbn10, isbn13, rec.Publisher, rec.PublishedDate, rec.PageCount, rec.Language,
		rec.ThumbnailURL, prices)
	if err != nil {
		return 0, fmt.Errorf("update edition: %w", err)
	}
	return existingID, nil
}

func (g *Gateway) getBookAndEditionByID(ctx context.Context, bookID, editionID int64) (*model.Book, *model.Edition, error) {
	var b model.Book
	row := g.db.QueryRow(ctx, `
		SELECT id, title, authors, categories, description, series_name, series_position, metadata_source, created_at, updated_at
		FROM books WHERE id = $1`, bookID)
	if err := row.Scan(&b.ID, &b.Title, &b.Authors, &b.Categories, &b.Description, &b.SeriesName, &b.SeriesPosition,
		&b.MetadataSource, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("reload book: %w", err)
	}

	var e model.Edition
	row = g.db.QueryRow(ctx, `
		SELECT id, book_id, isbn10, isbn13, publisher, published_date, page_count, language, format,
		       thumbnail_url, provenance, created_at, updated_at
		FROM editions WHERE id = $1`, editionID)
	if err := row.Scan(&e.ID, &e.BookID, &e.ISBN10, &e.ISBN13, &e.Publisher, &e.PublishedDate, &e.PageCount,
		&e.Language, &e.Format, &e.ThumbnailURL, &e.Provenance, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("reload edition: %w", err)
	}
	return &b, &e, nil
}

// UpsertSeries implements storage.Gateway.
func (g *Gateway) UpsertSeries(ctx context.Context, name string, totalVolumes *int) (*model.Series, error) {
	canonical := model.CanonicalizeSeriesName(name)
	row := g.db.QueryRow(ctx, `
		INSERT INTO series (name, display_name, total_volumes, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE SET
			total_volumes = COALESCE(EXCLUDED.total_volumes, series.total_volumes),
			updated_at = now()
		RETURNING id, name, display_name, total_volumes, ongoing, provenance, created_at, updated_at`,
		canonical, name, totalVolumes)

	var s model.Series
	if err := row.Scan(&s.ID, &s.Name, &s.DisplayName, &s.TotalVolumes, &s.Ongoing, &s.Provenance, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert series: %w", err)
	}
	return &s, nil
}

// ListSeriesNames implements storage.Gateway.
func (g *Gateway) ListSeriesNames(ctx context.Context) ([]string, error) {
	rows, err := g.db.Query(ctx, `SELECT display_name FROM series ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan series name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// LinkVolume implements storage.Gateway.
func (g *Gateway) LinkVolume(ctx context.Context, seriesID int64, position int, bookID *int64, status model.VolumeStatus) (*model.SeriesVolume, error) {
	row := g.db.QueryRow(ctx, `
		INSERT INTO series_volumes (series_id, position, book_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (series_id, position) DO UPDATE SET book_id = EXCLUDED.book_id, status = EXCLUDED.status
		RETURNING id, series_id, position, book_id, status, created_at`,
		seriesID, position, bookID, string(status))

	var v model.SeriesVolume
	var st string
	if err := row.Scan(&v.ID, &v.SeriesID, &v.Position, &v.BookID, &st, &v.CreatedAt); err != nil {
		return nil, fmt.Errorf("link volume: %w", err)
	}
	v.Status = model.VolumeStatus(st)
	return &v, nil
}

// GetSeriesWithVolumes implements storage.Gateway.
func (g *Gateway) GetSeriesWithVolumes(ctx context.Context, name string) (*model.Series, []model.SeriesVolume, error) {
	canonical := model.CanonicalizeSeriesName(name)
	row := g.db.QueryRow(ctx, `
		SELECT id, name, display_name, total_volumes, ongoing, provenance, created_at, updated_at
		FROM series WHERE name = $1`, canonical)

	var s model.Series
	if err := row.Scan(&s.ID, &s.Name, &s.DisplayName, &s.TotalVolumes, &s.Ongoing, &s.Provenance, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, storage.ErrNoRows
		}
		return nil, nil, fmt.Errorf("get series: %w", err)
	}

	rows, err := g.db.Query(ctx, `
		SELECT id, series_id, position, book_id, status, created_at
		FROM series_volumes WHERE series_id = $1 ORDER BY position`, s.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get volumes: %w", err)
	}
	defer rows.Close()

	var volumes []model.SeriesVolume
	for rows.Next() {
		var v model.SeriesVolume
		var st string
		if err := rows.Scan(&v.ID, &v.SeriesID, &v.Position, &v.BookID, &st, &v.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan volume: %w", err)
		}
		v.Status = model.VolumeStatus(st)
		volumes = append(volumes, v)
	}
	return &s, volumes, rows.Err()
}

// ResolveBook implements storage.Gateway.
func (g *Gateway) ResolveBook(ctx context.Context, bookID int64) (*model.Book, error) {
	var b model.Book
	row := g.db.QueryRow(ctx, `
		SELECT id, title, authors, categories, description, series_name, series_position, metadata_source, created_at, updated_at
		FROM books WHERE id = $1`, bookID)
	if err := row.Scan(&b.ID, &b.Title, &b.Authors, &b.Categories, &b.Description, &b.SeriesName, &b.SeriesPosition,
		&b.MetadataSource, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNoRows
		}
		return nil, fmt.Errorf("resolve book: %w", err)
	}
	return &b, nil
}

// Transaction implements storage.Gateway: fn runs inside a pgx transaction;
// any error it returns (including a panic re-thrown after rollback) aborts
// the transaction.
func (g *Gateway) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Gateway) error) error {
	pool, ok := g.db.(poolAdapter)
	if !ok {
		// Already inside a transaction; nesting reuses the same tx (no
		// savepoints -- the gateway contract doesn't require them).
		return fn(ctx, g)
	}

	tx, err := pool.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	txGateway := &Gateway{db: txAdapter{tx}}
	if err := fn(ctx, txGateway); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logging.Log(ctx).Warn("rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pricesJSON marshals prices for storage in the editions.prices JSONB
// column. Falls back to an empty array on a marshal error, which can only
// happen here if PricePoint grows a non-marshalable field.
func pricesJSON(prices []model.PricePoint) string {
	if prices == nil {
		prices = []model.PricePoint{}
	}
	b, err := sonic.Marshal(prices)
	if err != nil {
		return "[]"
	}
	return string(b)
}

var _ storage.Gateway = (*Gateway)(nil)
