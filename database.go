package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const (
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS track_meta (
			source_url TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			uploader TEXT,
			duration_seconds INTEGER DEFAULT 0,
			thumbnail_url TEXT,
			chapters TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and by the
// Spotify client for token persistence.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ============================================================================
// Track Metadata Cache
// ============================================================================

type TrackMeta struct {
	Title        string
	Uploader     string
	Duration     time.Duration
	ThumbnailURL string
	Chapters     []Chapter
}

// GetTrackMeta returns nil, nil when no row exists.
func GetTrackMeta(ctx context.Context, sourceURL string) (*TrackMeta, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT title, uploader, duration_seconds, thumbnail_url, chapters
		FROM track_meta WHERE source_url = ?
	`, sourceURL)

	var m TrackMeta
	var uploader, thumb, chapters sql.NullString
	var seconds int64
	err := row.Scan(&m.Title, &uploader, &seconds, &thumb, &chapters)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Uploader = uploader.String
	m.ThumbnailURL = thumb.String
	m.Duration = time.Duration(seconds) * time.Second
	if chapters.String != "" {
		if err := json.Unmarshal([]byte(chapters.String), &m.Chapters); err != nil {
			m.Chapters = nil
		}
	}
	return &m, nil
}

func SetTrackMeta(ctx context.Context, sourceURL string, m *TrackMeta) error {
	var chapters string
	if len(m.Chapters) > 0 {
		data, err := json.Marshal(m.Chapters)
		if err != nil {
			return err
		}
		chapters = string(data)
	}

	_, err := DB.ExecContext(ctx, `
		INSERT INTO track_meta (source_url, title, uploader, duration_seconds, thumbnail_url, chapters)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_url) DO UPDATE SET
			title = excluded.title,
			uploader = excluded.uploader,
			duration_seconds = excluded.duration_seconds,
			thumbnail_url = excluded.thumbnail_url,
			chapters = excluded.chapters,
			updated_at = CURRENT_TIMESTAMP
	`, sourceURL, m.Title, m.Uploader, int64(m.Duration/time.Second), m.ThumbnailURL, chapters)
	return err
}
