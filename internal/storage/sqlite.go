//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"yolotune/internal/model"

	_ "modernc.org/sqlite"
)

func DefaultStoreKind() string {
	return "sqlite"
}

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveEvolutionLog(ctx context.Context, log model.EvolutionLog) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeEvolutionLog(log)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO evolution_logs (name, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, log.Name, log.SchemaVersion, log.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetEvolutionLog(ctx context.Context, name string) (model.EvolutionLog, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.EvolutionLog{}, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM evolution_logs WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EvolutionLog{}, false, nil
		}
		return model.EvolutionLog{}, false, err
	}
	log, err := DecodeEvolutionLog(payload)
	if err != nil {
		return model.EvolutionLog{}, false, fmt.Errorf("decode evolution log %s: %w", name, err)
	}
	return log, true, nil
}

func (s *SQLiteStore) SaveRunRecord(ctx context.Context, rec model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeRunRecord(rec)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO run_records (id, created_at_utc, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, rec.ID, rec.CreatedAtUTC, rec.SchemaVersion, rec.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRunRecord(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_records WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	rec, err := DecodeRunRecord(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run record %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListRunRecords(ctx context.Context, limit int) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, payload FROM run_records
		ORDER BY created_at_utc DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := DecodeRunRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evolution_logs (
			name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_records (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
