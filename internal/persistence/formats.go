// Package persistence stores resolved format metadata in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	// SQLite drivers, selected by PersistenceConfig.Driver
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tunestream/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS formats (
	track_id       TEXT PRIMARY KEY,
	itag           INTEGER NOT NULL,
	mime_type      TEXT NOT NULL,
	bitrate        INTEGER NOT NULL,
	content_length INTEGER NOT NULL,
	duration_text  TEXT NOT NULL,
	updated_at     INTEGER NOT NULL
)`

const upsertFormat = `INSERT INTO formats
	(track_id, itag, mime_type, bitrate, content_length, duration_text, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(track_id) DO UPDATE SET
		itag = excluded.itag,
		mime_type = excluded.mime_type,
		bitrate = excluded.bitrate,
		content_length = excluded.content_length,
		duration_text = excluded.duration_text,
		updated_at = excluded.updated_at`

// ErrNotFound is returned by Get when no metadata was recorded for a track.
var ErrNotFound = errors.New("format metadata not found")

// Format is a persisted metadata row.
type Format struct {
	TrackID       string    `json:"trackId"`
	Itag          int       `json:"itag"`
	MimeType      string    `json:"mimeType"`
	Bitrate       int       `json:"bitrate"`
	ContentLength int64     `json:"contentLength"`
	Duration      string    `json:"duration"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FormatStore is a core.MetadataSink backed by a SQLite table. Writes are
// queued and applied by Run so resolution never waits on disk.
type FormatStore struct {
	db      *sql.DB
	queue   chan core.FormatMetadata
	logger  *zap.Logger
	now     func() time.Time
	dropped atomic.Int64
}

// Open opens the database, applies the schema and returns a store.
func Open(ctx context.Context, config *core.PersistenceConfig, logger *zap.Logger) (*FormatStore, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported persistence driver: %s", driver)
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	// SQLite serializes writers; a single connection also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = core.DefaultPersistenceQueueSize
	}

	logger.Info("Format store opened", zap.String("driver", driver), zap.String("dsn", config.DSN))

	return &FormatStore{
		db:     db,
		queue:  make(chan core.FormatMetadata, queueSize),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Record queues metadata for writing. It never blocks.
func (s *FormatStore) Record(meta core.FormatMetadata) {
	select {
	case s.queue <- meta:
	default:
		dropped := s.dropped.Add(1)
		s.logger.Warn("Format store queue full, dropping metadata",
			zap.String("trackID", meta.TrackID),
			zap.Int64("dropped", dropped))
	}
}

// Run applies queued writes until ctx is done, then drains what is left.
func (s *FormatStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case meta := <-s.queue:
			if err := s.Save(ctx, meta); err != nil {
				s.logger.Warn("Failed to persist format metadata",
					zap.String("trackID", meta.TrackID),
					zap.Error(err))
			}
		}
	}
}

func (s *FormatStore) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case meta := <-s.queue:
			if err := s.Save(ctx, meta); err != nil {
				s.logger.Debug("Dropping metadata during shutdown",
					zap.String("trackID", meta.TrackID),
					zap.Error(err))
			}
		default:
			return
		}
	}
}

// Save upserts one row synchronously.
func (s *FormatStore) Save(ctx context.Context, meta core.FormatMetadata) error {
	if meta.TrackID == "" {
		return errors.New("empty track id")
	}
	_, err := s.db.ExecContext(ctx, upsertFormat,
		meta.TrackID,
		meta.Itag,
		meta.MimeType,
		meta.Bitrate,
		meta.ContentLength,
		FormatDuration(meta.Duration),
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert format %s: %w", meta.TrackID, err)
	}
	return nil
}

// Get returns the stored metadata for a track.
func (s *FormatStore) Get(ctx context.Context, trackID string) (*Format, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT track_id, itag, mime_type, bitrate, content_length, duration_text, updated_at
		 FROM formats WHERE track_id = ?`, trackID)

	var f Format
	var updated int64
	err := row.Scan(&f.TrackID, &f.Itag, &f.MimeType, &f.Bitrate, &f.ContentLength, &f.Duration, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query format %s: %w", trackID, err)
	}
	f.UpdatedAt = time.Unix(updated, 0)
	return &f, nil
}

// Count returns the number of stored rows.
func (s *FormatStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM formats`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *FormatStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *FormatStore) Close() error {
	return s.db.Close()
}

// FormatDuration renders a duration as m:ss, or h:mm:ss past an hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
