package structural

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Index is the SQLite-backed StructuralIndex implementation. It works on a
// *sql.DB handle supplied by the caller rather than owning a database of
// its own: it never opens or closes the file, so the caller that opened
// the handle is responsible for closing it.
type Index struct {
	mu  sync.RWMutex
	db  *sql.DB
	cfg Config

	// ordinals bijects doc_id to a dense uint32 so posting lists can be
	// cached as roaring bitmaps, which only index uint32 members.
	docToOrdinal map[string]uint32
	ordinalToDoc map[uint32]string
	nextOrdinal  uint32

	// postings caches (field_path, field_value) -> bitmap of ordinals.
	// It is populated lazily on first lookup and invalidated per-key on
	// writes that touch that key; SQL remains the source of truth.
	postings map[string]*roaring.Bitmap
}

// Open creates or reuses the structural_entries table on db and returns a
// ready Index. db is never closed by this package.
func Open(db *sql.DB, cfg Config) (*Index, error) {
	if cfg.MaxDepth <= 0 {
		cfg = DefaultConfig()
	}
	idx := &Index{
		db:           db,
		cfg:          cfg,
		docToOrdinal: make(map[string]uint32),
		ordinalToDoc: make(map[uint32]string),
		postings:     make(map[string]*roaring.Bitmap),
	}
	if err := idx.initSchema(); err != nil {
		return nil, err
	}
	if err := idx.rehydrateOrdinals(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS structural_entries (
			doc_id      TEXT NOT NULL,
			field_path  TEXT NOT NULL,
			field_value TEXT NOT NULL,
			field_type  TEXT NOT NULL,
			PRIMARY KEY (doc_id, field_path)
		);
		CREATE INDEX IF NOT EXISTS idx_structural_field_value
			ON structural_entries(field_path, field_value);
	`)
	if err != nil {
		return fmt.Errorf("structural: init schema: %w", err)
	}
	return nil
}

func (idx *Index) rehydrateOrdinals() error {
	rows, err := idx.db.Query(`SELECT DISTINCT doc_id FROM structural_entries ORDER BY doc_id ASC`)
	if err != nil {
		return fmt.Errorf("structural: rehydrate ordinals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return fmt.Errorf("structural: scan doc_id: %w", err)
		}
		idx.assignOrdinalLocked(docID)
	}
	return rows.Err()
}

func (idx *Index) assignOrdinalLocked(docID string) uint32 {
	if o, ok := idx.docToOrdinal[docID]; ok {
		return o
	}
	o := idx.nextOrdinal
	idx.nextOrdinal++
	idx.docToOrdinal[docID] = o
	idx.ordinalToDoc[o] = docID
	return o
}

func postingKey(fieldPath, fieldValue string) string {
	return fieldPath + "\x00" + fieldValue
}

// Add replaces every prior row for doc_id transactionally, then refreshes
// any cached posting lists the new or removed rows touch.
func (idx *Index) Add(docID, collection string, attrs map[string]any) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldKeys, err := idx.keysForDocLocked(docID)
	if err != nil {
		return err
	}

	entries := extractEntries(docID, collection, attrs, idx.cfg.MaxDepth)

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("structural: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM structural_entries WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("structural: delete prior rows: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO structural_entries (doc_id, field_path, field_value, field_type)
			VALUES (?, ?, ?, ?)
		`, e.DocID, e.FieldPath, e.FieldValue, e.FieldType); err != nil {
			return fmt.Errorf("structural: insert row %s: %w", e.FieldPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("structural: commit: %w", err)
	}

	ordinal := idx.assignOrdinalLocked(docID)
	for _, key := range oldKeys {
		idx.evictKeyLocked(key, ordinal)
	}
	for _, e := range entries {
		idx.evictKeyLocked(postingKey(e.FieldPath, e.FieldValue), ordinal)
	}
	return nil
}

// Remove deletes every row for doc_id and drops it from the ordinal space
// and any cached posting lists it appeared in.
func (idx *Index) Remove(docID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keys, err := idx.keysForDocLocked(docID)
	if err != nil {
		return err
	}

	if _, err := idx.db.Exec(`DELETE FROM structural_entries WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("structural: remove: %w", err)
	}

	if ordinal, ok := idx.docToOrdinal[docID]; ok {
		for _, key := range keys {
			idx.evictKeyLocked(key, ordinal)
		}
		delete(idx.docToOrdinal, docID)
		delete(idx.ordinalToDoc, ordinal)
	}
	return nil
}

func (idx *Index) keysForDocLocked(docID string) ([]string, error) {
	rows, err := idx.db.Query(`SELECT field_path, field_value FROM structural_entries WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("structural: keys for doc: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("structural: scan key: %w", err)
		}
		keys = append(keys, postingKey(path, value))
	}
	return keys, rows.Err()
}

// evictKeyLocked drops a cached bitmap entirely rather than patching a
// single bit, so the next lookup rebuilds it from SQL truth. Simpler than
// maintaining per-bit consistency and cheap since lookups are infrequent
// relative to writes.
func (idx *Index) evictKeyLocked(key string, _ uint32) {
	delete(idx.postings, key)
}

// FindByIndex returns every doc_id carrying fieldValue at fieldPath.
func (idx *Index) FindByIndex(fieldPath, fieldValue string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	bm, err := idx.postingsLocked(fieldPath, fieldValue)
	if err != nil {
		return nil, err
	}
	return idx.docIDsLocked(bm), nil
}

func (idx *Index) postingsLocked(fieldPath, fieldValue string) (*roaring.Bitmap, error) {
	key := postingKey(fieldPath, fieldValue)
	if bm, ok := idx.postings[key]; ok {
		return bm, nil
	}

	rows, err := idx.db.Query(`
		SELECT doc_id FROM structural_entries WHERE field_path = ? AND field_value = ?
	`, fieldPath, fieldValue)
	if err != nil {
		return nil, fmt.Errorf("structural: query postings: %w", err)
	}
	defer rows.Close()

	bm := roaring.New()
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("structural: scan posting: %w", err)
		}
		bm.Add(idx.assignOrdinalLocked(docID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	idx.postings[key] = bm
	return bm, nil
}

func (idx *Index) docIDsLocked(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		if docID, ok := idx.ordinalToDoc[it.Next()]; ok {
			out = append(out, docID)
		}
	}
	return out
}

// Query returns the AND of every equality predicate in criteria, computed
// as a bitmap intersection over the cached posting lists involved. If
// ctx's deadline has already passed, it returns *hre.ErrTimedOut rather
// than walking the criteria.
func (idx *Index) Query(ctx context.Context, criteria map[string]any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &hre.ErrTimedOut{Operation: "structural.Query"}
	}
	if len(criteria) == 0 {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var result *roaring.Bitmap
	for field, raw := range criteria {
		if ctx.Err() != nil {
			return nil, &hre.ErrTimedOut{Operation: "structural.Query"}
		}
		value, ok := valueToString(raw)
		if !ok {
			return nil, fmt.Errorf("structural: unsupported criterion value for field %q", field)
		}
		bm, err := idx.postingsLocked(field, value)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = bm.Clone()
			continue
		}
		result.And(bm)
		if result.IsEmpty() {
			return nil, nil
		}
	}
	if result == nil {
		return nil, nil
	}
	return idx.docIDsLocked(result), nil
}

// Stats reports document and row counts.
func (idx *Index) Stats() (Stats, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var st Stats
	row := idx.db.QueryRow(`SELECT COUNT(DISTINCT doc_id), COUNT(*) FROM structural_entries`)
	if err := row.Scan(&st.DocumentCount, &st.RowCount); err != nil {
		return Stats{}, fmt.Errorf("structural: stats: %w", err)
	}
	return st, nil
}

// valueToString renders a query-time criterion value using the same
// formatting extractEntries uses for stored scalars, so equality
// comparisons line up byte-for-byte.
func valueToString(v any) (string, bool) {
	s, _, ok := scalarString(v)
	return s, ok
}
