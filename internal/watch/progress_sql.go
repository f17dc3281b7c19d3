package watch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ResumeRewind is how far before the saved position a resume starts.
const ResumeRewind = 10 * time.Second

const progressSchema = `
CREATE TABLE IF NOT EXISTS playback_progress (
  item_id    TEXT PRIMARY KEY,
  position_s DOUBLE PRECISION NOT NULL,
  duration_s DOUBLE PRECISION NOT NULL,
  percent    DOUBLE PRECISION NOT NULL,
  updated_at BIGINT NOT NULL
)`

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db, Now: time.Now} }

// OpenStore opens driver ("pgx" or "sqlite") at dsn and ensures the schema.
func OpenStore(ctx context.Context, driver, dsn string) (*Store, error) {
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
	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, progressSchema)
	return err
}

func (s *Store) SaveProgress(ctx context.Context, itemID string, pos, dur time.Duration) error {
	percent := 0.0
	if dur > 0 {
		percent = float64(pos) / float64(dur) * 100.0
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO playback_progress (item_id, position_s, duration_s, percent, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (item_id) DO UPDATE
SET position_s=EXCLUDED.position_s, duration_s=EXCLUDED.duration_s, percent=EXCLUDED.percent, updated_at=EXCLUDED.updated_at`,
		itemID, pos.Seconds(), dur.Seconds(), percent, s.Now().UnixNano())
	return err
}

type Resume struct {
	ItemID   string
	Position time.Duration
	Duration time.Duration
	Percent  float64
	Updated  time.Time
}

// StartAt is where playback resumes: the saved position minus the rewind.
func (r Resume) StartAt() time.Duration {
	return max(r.Position-ResumeRewind, 0)
}

func (s *Store) GetResume(ctx context.Context, itemID string) (Resume, bool, error) {
	var (
		r        Resume
		pos, dur float64
		updated  int64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT item_id, position_s, duration_s, percent, updated_at
FROM playback_progress
WHERE item_id=$1`, itemID).Scan(&r.ItemID, &pos, &dur, &r.Percent, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Resume{}, false, nil
		}
		return Resume{}, false, err
	}
	r.Position = seconds(pos)
	r.Duration = seconds(dur)
	r.Updated = time.Unix(0, updated)
	return r, true, nil
}

type ContinueItem struct {
	ItemID    string    `json:"itemId"`
	PositionS float64   `json:"position_s"`
	DurationS float64   `json:"duration_s"`
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListContinue returns partly watched items, most recent first.
func (s *Store) ListContinue(ctx context.Context, limit int) ([]ContinueItem, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT item_id, position_s, duration_s, percent, updated_at
FROM playback_progress
WHERE percent BETWEEN 1 AND 95
ORDER BY updated_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ContinueItem
	for rows.Next() {
		var it ContinueItem
		var updated int64
		if err := rows.Scan(&it.ItemID, &it.PositionS, &it.DurationS, &it.Percent, &updated); err != nil {
			return nil, err
		}
		it.UpdatedAt = time.Unix(0, updated)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Saver adapts the store to the session's position callback. Saves run
// detached from any request and are bounded by timeout.
func (s *Store) Saver(timeout time.Duration) func(itemID string, pos, dur time.Duration) {
	return func(itemID string, pos, dur time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.SaveProgress(ctx, itemID, pos, dur); err != nil {
			log.Printf("[session] save progress %q: %v", itemID, err)
		}
	}
}

// ResumeAt returns the resume point for itemID, or zero.
func (s *Store) ResumeAt(ctx context.Context, itemID string) time.Duration {
	r, ok, err := s.GetResume(ctx, itemID)
	if err != nil {
		log.Printf("[session] resume %q: %v", itemID, err)
		return 0
	}
	if !ok {
		return 0
	}
	return r.StartAt()
}

func (s *Store) Close() error { return s.DB.Close() }

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
