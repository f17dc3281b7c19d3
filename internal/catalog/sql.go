package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"vod-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_assets (
  id            TEXT PRIMARY KEY,
  title         TEXT NOT NULL,
  poster_url    TEXT NOT NULL DEFAULT '',
  duration      TEXT NOT NULL DEFAULT '',
  size          TEXT NOT NULL DEFAULT '',
  downloaded_at TEXT NOT NULL,
  content_ref   TEXT NOT NULL DEFAULT '',
  position      BIGINT NOT NULL
)`

// SQLIndex stores records in a relational table. The same statements run
// on postgres (pgx) and on embedded sqlite.
type SQLIndex struct{ DB *sql.DB }

// OpenSQLIndex opens driver ("pgx" or "sqlite") at dsn and ensures the schema.
func OpenSQLIndex(ctx context.Context, driver, dsn string) (*SQLIndex, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	x := NewSQLIndex(db)
	if err := x.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return x, nil
}

func NewSQLIndex(db *sql.DB) *SQLIndex { return &SQLIndex{DB: db} }

func (x *SQLIndex) Migrate(ctx context.Context) error {
	_, err := x.DB.ExecContext(ctx, schema)
	return err
}

func (x *SQLIndex) Load(ctx context.Context) ([]types.OfflineAsset, error) {
	rows, err := x.DB.QueryContext(ctx, `
SELECT id, title, poster_url, duration, size, downloaded_at, content_ref
FROM offline_assets
ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.OfflineAsset
	for rows.Next() {
		var a types.OfflineAsset
		var at string
		if err := rows.Scan(&a.ID, &a.Title, &a.PosterURL, &a.Duration, &a.Size, &at, &a.ContentRef); err != nil {
			return nil, err
		}
		a.DownloadedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Put upserts by id. The position is recomputed so a replaced record moves
// to the end, matching the flat-list behaviour.
func (x *SQLIndex) Put(ctx context.Context, a types.OfflineAsset) error {
	_, err := x.DB.ExecContext(ctx, `
INSERT INTO offline_assets (id, title, poster_url, duration, size, downloaded_at, content_ref, position)
VALUES ($1,$2,$3,$4,$5,$6,$7, (SELECT COALESCE(MAX(position),0)+1 FROM offline_assets))
ON CONFLICT (id) DO UPDATE
SET title=EXCLUDED.title, poster_url=EXCLUDED.poster_url, duration=EXCLUDED.duration,
    size=EXCLUDED.size, downloaded_at=EXCLUDED.downloaded_at, content_ref=EXCLUDED.content_ref,
    position=EXCLUDED.position`,
		a.ID, a.Title, a.PosterURL, a.Duration, a.Size, a.DownloadedAt.UTC().Format(time.RFC3339Nano), a.ContentRef)
	return err
}

func (x *SQLIndex) Delete(ctx context.Context, id string) error {
	_, err := x.DB.ExecContext(ctx, `DELETE FROM offline_assets WHERE id=$1`, id)
	return err
}

func (x *SQLIndex) Close() error { return x.DB.Close() }

var (
	_ Index = (*SQLIndex)(nil)
	_ Index = (*JSONIndex)(nil)
)
