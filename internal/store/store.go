// Package store persists adapter records, spaces, sources, and secrets in a
// single sqlite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/models"
)

// Store wraps the daemon database. SQLite works best with a single writer
// connection, so all writes serialize on the pool.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema. Pragmas travel in the DSN so every pool connection is configured.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", path).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS adapters (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	config_json  TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS spaces (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	floor        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	space_id   TEXT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
	adapter_id TEXT NOT NULL REFERENCES adapters(id) ON DELETE CASCADE,
	entity_id  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_space ON sources(space_id);
CREATE INDEX IF NOT EXISTS idx_sources_adapter ON sources(adapter_id);

CREATE TABLE IF NOT EXISTS source_properties (
	source_id     TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	property      TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT '',
	mounting      TEXT NOT NULL DEFAULT '',
	features_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (source_id, property)
);

CREATE TABLE IF NOT EXISTS secrets (
	id         TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	iv         BLOB NOT NULL,
	tag        BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAdapter inserts or replaces an adapter record.
func (s *Store) SaveAdapter(rec *models.AdapterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(rec.ConfigBag)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO adapters (id, type, display_name, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.DisplayName, string(configJSON), createdAt.Unix())
	return err
}

// GetAdapter loads one adapter record by id.
func (s *Store) GetAdapter(id string) (*models.AdapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, type, display_name, config_json, created_at FROM adapters WHERE id = ?`, id)
	return scanAdapter(row)
}

// ListAdapters returns all adapter records ordered by creation time.
func (s *Store) ListAdapters() ([]*models.AdapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, type, display_name, config_json, created_at FROM adapters ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.AdapterRecord
	for rows.Next() {
		rec, err := scanAdapter(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteAdapter removes an adapter record. The store does not interpret
// config values, so secret cleanup lives in supervisor.Deprovision, which
// erases the bag's references before calling this.
func (s *Store) DeleteAdapter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM adapters WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdapter(row rowScanner) (*models.AdapterRecord, error) {
	var rec models.AdapterRecord
	var configJSON string
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.Type, &rec.DisplayName, &configJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, hverrors.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &rec.ConfigBag); err != nil {
		return nil, fmt.Errorf("failed to decode config for adapter %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

// SaveSpace inserts or replaces a space row. Sources are saved separately.
func (s *Store) SaveSpace(space *models.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO spaces (id, display_name, floor) VALUES (?, ?, ?)`,
		space.ID, space.DisplayName, space.Floor)
	return err
}

// ListSpaces returns all space rows without sources attached.
func (s *Store) ListSpaces() ([]*models.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, display_name, floor FROM spaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []*models.Space
	for rows.Next() {
		var sp models.Space
		if err := rows.Scan(&sp.ID, &sp.DisplayName, &sp.Floor); err != nil {
			return nil, err
		}
		spaces = append(spaces, &sp)
	}
	return spaces, rows.Err()
}

// SaveSource inserts or replaces a source row and its properties.
func (s *Store) SaveSource(src *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO sources (id, space_id, adapter_id, entity_id) VALUES (?, ?, ?, ?)`,
		src.ID, src.SpaceID, src.AdapterID, src.EntityID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM source_properties WHERE source_id = ?`, src.ID); err != nil {
		return err
	}
	for _, prop := range src.Properties {
		if err := models.ValidateProperty(prop.Property); err != nil {
			return err
		}
		featuresJSON, err := json.Marshal(prop.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO source_properties (source_id, property, role, mounting, features_json) VALUES (?, ?, ?, ?, ?)`,
			src.ID, string(prop.Property), prop.Role, prop.Mounting, string(featuresJSON)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSources returns all source rows without properties attached.
func (s *Store) ListSources() ([]*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, space_id, adapter_id, entity_id FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		var src models.Source
		if err := rows.Scan(&src.ID, &src.SpaceID, &src.AdapterID, &src.EntityID); err != nil {
			return nil, err
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// SourcePropertyRow is one source_properties row keyed by its source.
type SourcePropertyRow struct {
	SourceID string
	Property *models.SourceProperty
}

// ListSourceProperties returns all source property rows.
func (s *Store) ListSourceProperties() ([]SourcePropertyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT source_id, property, role, mounting, features_json FROM source_properties ORDER BY source_id, property`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SourcePropertyRow
	for rows.Next() {
		var sourceID, property, featuresJSON string
		prop := &models.SourceProperty{}
		if err := rows.Scan(&sourceID, &property, &prop.Role, &prop.Mounting, &featuresJSON); err != nil {
			return nil, err
		}
		prop.Property = models.Property(property)
		if err := json.Unmarshal([]byte(featuresJSON), &prop.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features for source %s: %w", sourceID, err)
		}
		result = append(result, SourcePropertyRow{SourceID: sourceID, Property: prop})
	}
	return result, rows.Err()
}

// InsertSecret persists one encrypted secret row.
func (s *Store) InsertSecret(id string, ciphertext, iv, tag []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO secrets (id, ciphertext, iv, tag, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, ciphertext, iv, tag, time.Now().Unix())
	return err
}

// GetSecret loads one encrypted secret row.
func (s *Store) GetSecret(id string) (ciphertext, iv, tag []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT ciphertext, iv, tag FROM secrets WHERE id = ?`, id)
	if err := row.Scan(&ciphertext, &iv, &tag); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil, hverrors.ErrUnknownReference
		}
		return nil, nil, nil, err
	}
	return ciphertext, iv, tag, nil
}

// DeleteSecret removes one secret row. Deleting an absent row is not an
// error.
func (s *Store) DeleteSecret(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	return err
}
