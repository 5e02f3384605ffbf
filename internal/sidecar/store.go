package sidecar

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"

	"github.com/hybridretrieval/core/pkg/hre"
)

// schemaVersion is bumped whenever the on-disk schema changes shape.
const schemaVersion = 1

// Store is the SQLite-backed implementation of SidecarStore.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open creates or opens a sidecar database at cfg.Path, applying WAL
// pragmas and verifying integrity. A corrupted database is quarantined
// (renamed aside with a .corrupt-<ts> suffix) and recreated empty rather
// than left half-usable.
func Open(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("sidecar: dimensions must be > 0")
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := openWithPragmas(path)
	if err != nil {
		return nil, err
	}

	if path != ":memory:" {
		if ok := validateIntegrity(db); !ok {
			_ = db.Close()
			quarantine(path)
			db, err = openWithPragmas(path)
			if err != nil {
				return nil, err
			}
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sidecar: init schema: %w", err)
	}
	return s, nil
}

func openWithPragmas(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sidecar: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA cache_size = -8000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sidecar: apply pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

func validateIntegrity(db *sql.DB) bool {
	row := db.QueryRow("PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return false
	}
	return result == "ok"
}

func quarantine(path string) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, dest); err != nil {
		slog.Warn("sidecar: failed to quarantine corrupted database", "path", path, "error", err)
	} else {
		slog.Warn("sidecar: quarantined corrupted database", "path", path, "moved_to", dest)
	}
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

	CREATE TABLE IF NOT EXISTS vectors (
		doc_id       TEXT PRIMARY KEY,
		label        INTEGER UNIQUE NOT NULL,
		vector       BLOB NOT NULL,
		metadata     BLOB,
		content_hash TEXT,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		model_version TEXT,
		normalized   BOOLEAN NOT NULL DEFAULT 0,
		CHECK (length(vector) = %d)
	);

	CREATE TABLE IF NOT EXISTS mappings (
		doc_id TEXT PRIMARY KEY REFERENCES vectors(doc_id),
		label  INTEGER UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	`
	schema = fmt.Sprintf(schema, s.cfg.Dimensions*4)
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES (?)", schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// ContentHash computes the dedup-detection hash used by the idempotence
// invariant: identical content for the same doc_id skips a new upsert.
// xxh3 is a non-cryptographic hash; this is a change-detection boundary,
// not a security one.
func ContentHash(content []byte) string {
	sum := xxh3.Hash(content)
	return fmt.Sprintf("%016x", sum)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// SaveVector writes vectors and mappings in one transaction. It fails with
// *hre.ErrDimensionMismatch if |vector| != D. Idempotent on identical
// payload: callers checking ContentHash upstream avoid redundant writes,
// but a repeated call here simply overwrites with the same values.
func (s *Store) SaveVector(docID string, label uint64, vector []float32, metadata map[string]any, contentHash, modelVersion string, normalized bool) error {
	if len(vector) != s.cfg.Dimensions {
		return &hre.ErrDimensionMismatch{Expected: s.cfg.Dimensions, Got: len(vector)}
	}

	metaBlob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("sidecar: marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sidecar: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt time.Time
	err = tx.QueryRow(`SELECT created_at FROM vectors WHERE doc_id = ?`, docID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		createdAt = now
	} else if err != nil {
		return fmt.Errorf("sidecar: lookup created_at: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO vectors (doc_id, label, vector, metadata, content_hash, created_at, updated_at, model_version, normalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			label = excluded.label,
			vector = excluded.vector,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			model_version = excluded.model_version,
			normalized = excluded.normalized
	`, docID, label, encodeVector(vector), metaBlob, contentHash, createdAt, now, modelVersion, normalized); err != nil {
		return fmt.Errorf("sidecar: upsert vector: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO mappings (doc_id, label) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET label = excluded.label
	`, docID, label); err != nil {
		return fmt.Errorf("sidecar: upsert mapping: %w", err)
	}

	return tx.Commit()
}

// GetVector returns the stored vector, metadata, and content hash for a
// doc_id, or ok=false if absent.
func (s *Store) GetVector(docID string) (vector []float32, metadata map[string]any, contentHash string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT vector, metadata, content_hash FROM vectors WHERE doc_id = ?`, docID)
	var vecBlob, metaBlob []byte
	if err = row.Scan(&vecBlob, &metaBlob, &contentHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, "", false, nil
		}
		return nil, nil, "", false, fmt.Errorf("sidecar: get vector: %w", err)
	}
	vector = decodeVector(vecBlob)
	if len(metaBlob) > 0 {
		if err = json.Unmarshal(metaBlob, &metadata); err != nil {
			return nil, nil, "", false, fmt.Errorf("sidecar: unmarshal metadata: %w", err)
		}
	}
	return vector, metadata, contentHash, true, nil
}

// GetLabel returns the label mapped to doc_id, or ok=false if absent.
func (s *Store) GetLabel(docID string) (label uint64, ok bool, err error) {
	row := s.db.QueryRow(`SELECT label FROM mappings WHERE doc_id = ?`, docID)
	if err = row.Scan(&label); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sidecar: get label: %w", err)
	}
	return label, true, nil
}

// RemoveVector deletes both rows for doc_id transactionally; no-op if absent.
func (s *Store) RemoveVector(docID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sidecar: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM mappings WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("sidecar: delete mapping: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vectors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("sidecar: delete vector: %w", err)
	}
	return tx.Commit()
}

// BatchGet returns records for the given doc_ids that exist.
func (s *Store) BatchGet(docIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(docIDs))
	for _, id := range docIDs {
		vec, meta, hash, ok, err := s.GetVector(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		label, _, err := s.GetLabel(id)
		if err != nil {
			return nil, err
		}
		out[id] = Record{DocID: id, Label: label, Vector: vec, Metadata: meta, ContentHash: hash}
	}
	return out, nil
}

// AllMappings returns every (doc_id, label) pair ordered by label, used to
// rehydrate the in-memory bijections on startup.
func (s *Store) AllMappings() ([]Mapping, error) {
	rows, err := s.db.Query(`SELECT doc_id, label FROM mappings ORDER BY label ASC`)
	if err != nil {
		return nil, fmt.Errorf("sidecar: all mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.DocID, &m.Label); err != nil {
			return nil, fmt.Errorf("sidecar: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats returns (count, total_bytes, last_update).
func (s *Store) Stats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(length(vector) + length(metadata)), 0), MAX(updated_at) FROM vectors`)
	var lastUpdate sql.NullTime
	if err := row.Scan(&st.Count, &st.TotalBytes, &lastUpdate); err != nil {
		return Stats{}, fmt.Errorf("sidecar: stats: %w", err)
	}
	if lastUpdate.Valid {
		st.LastUpdate = lastUpdate.Time
	}
	return st, nil
}

// PutMeta stores an opaque key/value in index_metadata, used by the vector
// layer to persist save-time bookkeeping such as totals checksums.
func (s *Store) PutMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO index_metadata(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMeta reads a previously stored key, or ok=false if absent.
func (s *Store) GetMeta(key string) (value string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT value FROM index_metadata WHERE key = ?`, key)
	if err = row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Checkpoint forces a WAL checkpoint (best-effort durability point).
func (s *Store) Checkpoint() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("sidecar: wal checkpoint failed", "error", err)
	}
}

// Close checkpoints and closes the database handle.
func (s *Store) Close() error {
	s.Checkpoint()
	return s.db.Close()
}

// DB exposes the underlying handle so the coordinator can share it with
// StructuralIndex per the single-owner-one-borrower rule in §5.
func (s *Store) DB() *sql.DB { return s.db }
