// Package store provides SQLite-backed persistence for the memory engine.
// Uses ncruces/go-sqlite3/driver, which provides a database/sql interface
// over a pure-Go, non-cgo SQLite build.
package store

import (
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/memengine/internal/errs"
)

// SQLiteStore is the durable, relational half of the engine's persistence.
// The ANN index is a separate store (internal/ann.Index); SQLiteStore only
// holds a narrow ANNIndex handle so it can perform the dual write described
// by InsertTurn.
type SQLiteStore struct {
	mu  sync.RWMutex
	db  *sql.DB
	ann ANNIndex
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    kind TEXT NOT NULL,
    role TEXT NOT NULL,
    session_id TEXT,
    created_at REAL NOT NULL,
    weight REAL NOT NULL DEFAULT 5.0,
    group_id TEXT,
    summary TEXT,
    last_accessed REAL,
    archived INTEGER DEFAULT 0,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_id);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived);

CREATE TABLE IF NOT EXISTS vectors (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL UNIQUE,
    vector BLOB NOT NULL,
    model_name TEXT NOT NULL,
    created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS associations (
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    strength REAL NOT NULL DEFAULT 1.0,
    created_at REAL NOT NULL,
    last_activated_at REAL NOT NULL,
    PRIMARY KEY (source_id, target_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_assoc_source ON associations(source_id);
CREATE INDEX IF NOT EXISTS idx_assoc_target ON associations(target_id);

CREATE TABLE IF NOT EXISTS groups (
    group_id TEXT PRIMARY KEY,
    super_group TEXT NOT NULL,
    topic TEXT NOT NULL,
    time_start REAL,
    time_end REAL,
    summary TEXT,
    score REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    opened_at REAL NOT NULL,
    last_activity_at REAL NOT NULL,
    closed_at REAL
);

CREATE TABLE IF NOT EXISTS cold_cache (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// NewSQLiteStore creates a new in-memory SQLite store bound to the given
// ANN index. Use NewSQLiteStoreWithDSN for a file-backed store.
func NewSQLiteStore(ann ANNIndex) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:", ann)
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string, ann ANNIndex) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "open database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.New(errs.IOFailure, "create schema", err)
	}

	return &SQLiteStore{db: db, ann: ann}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalVector encodes a []float32 as raw little-endian IEEE754 bytes, the
// same layout sqlite-vec's vec0 virtual table expects for a float32[] column.
func marshalVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

// =============================================================================
// InsertTurn: the dual-write critical section
// =============================================================================

// InsertTurn writes a Memory and its Vector to the relational store and adds
// the vector to the ANN index inside the same critical section. If the ANN
// add fails, the DB transaction is rolled back so the two stores never
// diverge; if the DB commit fails after a successful ANN add, the ANN entry
// is removed to restore symmetry.
func (s *SQLiteStore) InsertTurn(m *Memory, v []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected, ok := RoleForKind(m.Kind); !ok {
		return errs.New(errs.InvariantViolation, "unknown memory kind "+string(m.Kind), nil)
	} else if m.Role != expected {
		return errs.New(errs.InvariantViolation, "role "+string(m.Role)+" inconsistent with kind "+string(m.Kind), nil)
	}

	if m.Weight == 0 {
		m.Weight = WeightDefault
	}
	m.Weight = ClampWeight(m.Weight)

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.IOFailure, "begin transaction", err)
	}

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		tx.Rollback()
		return errs.New(errs.InvariantViolation, "marshal metadata", err)
	}

	_, err = tx.Exec(`
		INSERT INTO memories (id, content, kind, role, session_id, created_at, weight, group_id, summary, last_accessed, archived, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Content, string(m.Kind), string(m.Role), nullableString(m.SessionID), m.CreatedAt,
		m.Weight, nullableString(m.GroupID), m.Summary, m.LastAccessed, boolToInt(m.Archived), string(metaJSON))
	if err != nil {
		tx.Rollback()
		return errs.New(errs.IOFailure, "insert memory", err)
	}

	_, err = tx.Exec(`
		INSERT INTO vectors (id, memory_id, vector, model_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID+":vec", m.ID, marshalVector(v), "default", m.CreatedAt)
	if err != nil {
		tx.Rollback()
		return errs.New(errs.IOFailure, "insert vector", err)
	}

	if err := s.ann.Add(m.ID, v, m.Weight, m.CreatedAt); err != nil {
		tx.Rollback()
		return errs.New(errs.AnnFailure, "add to ann index", err)
	}

	if err := tx.Commit(); err != nil {
		s.ann.Remove(m.ID)
		return errs.New(errs.IOFailure, "commit transaction", err)
	}

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// =============================================================================
// Memory CRUD
// =============================================================================

func scanMemory(row interface{ Scan(...any) error }) (*Memory, error) {
	var m Memory
	var kind, role string
	var sessionID, groupID, metaJSON sql.NullString
	var lastAccessed sql.NullFloat64
	var archived int

	err := row.Scan(&m.ID, &m.Content, &kind, &role, &sessionID, &m.CreatedAt,
		&m.Weight, &groupID, &m.Summary, &lastAccessed, &archived, &metaJSON)
	if err != nil {
		return nil, err
	}

	m.Kind = MemoryKind(kind)
	m.Role = Role(role)
	if sessionID.Valid {
		m.SessionID = sessionID.String
	}
	if groupID.Valid {
		m.GroupID = groupID.String
	}
	if lastAccessed.Valid {
		m.LastAccessed = lastAccessed.Float64
	}
	m.Archived = archived != 0
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}

	return &m, nil
}

const memorySelectCols = `id, content, kind, role, session_id, created_at, weight, group_id, summary, last_accessed, archived, metadata`

func (s *SQLiteStore) GetMemory(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+memorySelectCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "memory "+id, nil)
	}
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get memory", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMemories(ids []string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRow(`SELECT `+memorySelectCols+` FROM memories WHERE id = ?`, id)
		m, err := scanMemory(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errs.New(errs.IOFailure, "get memories", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateMemory(id string, patch MemoryPatch) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+memorySelectCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "memory "+id, nil)
	}
	if err != nil {
		return nil, errs.New(errs.IOFailure, "load memory for update", err)
	}

	if patch.Weight != nil {
		m.Weight = ClampWeight(*patch.Weight)
	}
	if patch.GroupID != nil {
		m.GroupID = *patch.GroupID
	}
	if patch.Summary != nil {
		m.Summary = *patch.Summary
	}
	if patch.Metadata != nil {
		m.Metadata = patch.Metadata
	}
	if patch.Archived != nil {
		m.Archived = *patch.Archived
	}
	if patch.LastAccessed != nil {
		m.LastAccessed = *patch.LastAccessed
	}

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, errs.New(errs.InvariantViolation, "marshal metadata", err)
	}

	_, err = s.db.Exec(`
		UPDATE memories SET weight = ?, group_id = ?, summary = ?, metadata = ?, archived = ?, last_accessed = ?
		WHERE id = ?
	`, m.Weight, nullableString(m.GroupID), m.Summary, string(metaJSON), boolToInt(m.Archived), m.LastAccessed, id)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "update memory", err)
	}

	return m, nil
}

func (s *SQLiteStore) DeleteMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.IOFailure, "begin transaction", err)
	}
	if _, err := tx.Exec("DELETE FROM vectors WHERE memory_id = ?", id); err != nil {
		tx.Rollback()
		return errs.New(errs.IOFailure, "delete vector", err)
	}
	if _, err := tx.Exec("DELETE FROM associations WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		tx.Rollback()
		return errs.New(errs.IOFailure, "delete associations", err)
	}
	if _, err := tx.Exec("DELETE FROM memories WHERE id = ?", id); err != nil {
		tx.Rollback()
		return errs.New(errs.IOFailure, "delete memory", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.IOFailure, "commit transaction", err)
	}
	if err := s.ann.Remove(id); err != nil {
		return errs.New(errs.AnnFailure, "remove from ann index", err)
	}
	return nil
}

// ListMemories returns every memory row, optionally including archived ones,
// oldest first. Used by pkg/lifecycle's periodic sweep, which needs the full
// working set rather than a single lookup.
func (s *SQLiteStore) ListMemories(includeArchived bool) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + memorySelectCols + ` FROM memories`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "list memories", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.New(errs.IOFailure, "scan memory list result", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetRecentBySession returns the last limit turns of sessionID, most
// recent first, for retrieval's history-aggregation step to splice into a
// context alongside whatever the vector/graph/keyword channels found.
func (s *SQLiteStore) GetRecentBySession(sessionID string, limit int) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sessionID == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+memorySelectCols+` FROM memories WHERE session_id = ? AND archived = 0 ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get recent session memories", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.New(errs.IOFailure, "scan recent session result", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSummariesFor returns every summary-kind memory linked via a
// summarizes association to any id in ids, so history aggregation can
// surface a group summary alongside the turns it condenses.
func (s *SQLiteStore) GetSummariesFor(ids []string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var summaryIDs []string
	for _, id := range ids {
		rows, err := s.db.Query(`SELECT source_id, target_id FROM associations WHERE kind = ? AND (source_id = ? OR target_id = ?)`,
			string(AssocSummarizes), id, id)
		if err != nil {
			return nil, errs.New(errs.IOFailure, "find summarizes edges", err)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var src, tgt string
				if err := rows.Scan(&src, &tgt); err != nil {
					return err
				}
				other := tgt
				if tgt == id {
					other = src
				}
				if other != id && !seen[other] {
					seen[other] = true
					summaryIDs = append(summaryIDs, other)
				}
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, errs.New(errs.IOFailure, "scan summarizes edges", err)
		}
	}

	var out []*Memory
	for _, sid := range summaryIDs {
		row := s.db.QueryRow(`SELECT `+memorySelectCols+` FROM memories WHERE id = ? AND kind = ? AND archived = 0`, sid, string(KindSummary))
		m, err := scanMemory(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errs.New(errs.IOFailure, "load summary memory", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetByGroup returns every unarchived member of groupID, oldest first, for
// the evaluator's group-score recomputation and same_topic edge creation.
func (s *SQLiteStore) GetByGroup(groupID string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if groupID == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+memorySelectCols+` FROM memories WHERE group_id = ? AND archived = 0 ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get memories by group", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.New(errs.IOFailure, "scan group member", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchByKeyword matches memories whose content contains any of the given
// tokens (used as given, without stopword filtering), most recent first.
func (s *SQLiteStore) SearchByKeyword(tokens []string, limit int) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(tokens) == 0 {
		return nil, nil
	}

	where := ""
	args := make([]any, 0, len(tokens)+1)
	for i, t := range tokens {
		if i > 0 {
			where += " OR "
		}
		where += "content LIKE ?"
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	rows, err := s.db.Query(`SELECT `+memorySelectCols+` FROM memories WHERE (`+where+`) AND archived = 0 ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "search by keyword", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.New(errs.IOFailure, "scan keyword search result", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchLastAccessed(id string, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE memories SET last_accessed = ? WHERE id = ?", at, id)
	if err != nil {
		return errs.New(errs.IOFailure, "touch last_accessed", err)
	}
	return nil
}

// =============================================================================
// Vector
// =============================================================================

func (s *SQLiteStore) GetVector(memoryID string) (*Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v Vector
	var blob []byte
	err := s.db.QueryRow(`
		SELECT id, memory_id, vector, model_name, created_at FROM vectors WHERE memory_id = ?
	`, memoryID).Scan(&v.ID, &v.MemoryID, &blob, &v.ModelName, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "vector for "+memoryID, nil)
	}
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get vector", err)
	}
	v.Vector = unmarshalVector(blob)
	return &v, nil
}

func unmarshalVector(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// =============================================================================
// Groups
// =============================================================================

func (s *SQLiteStore) UpsertGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO groups (group_id, super_group, topic, time_start, time_end, summary, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			super_group = excluded.super_group,
			topic = excluded.topic,
			time_start = excluded.time_start,
			time_end = excluded.time_end,
			summary = excluded.summary,
			score = excluded.score
	`, g.GroupID, string(g.SuperGroup), g.Topic, g.TimeStart, g.TimeEnd, g.Summary, g.Score)
	if err != nil {
		return errs.New(errs.IOFailure, "upsert group", err)
	}
	return nil
}

func (s *SQLiteStore) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g Group
	var superGroup string
	err := s.db.QueryRow(`
		SELECT group_id, super_group, topic, time_start, time_end, summary, score
		FROM groups WHERE group_id = ?
	`, id).Scan(&g.GroupID, &superGroup, &g.Topic, &g.TimeStart, &g.TimeEnd, &g.Summary, &g.Score)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "group "+id, nil)
	}
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get group", err)
	}
	g.SuperGroup = SuperGroup(superGroup)
	return &g, nil
}

// =============================================================================
// Associations (symmetric typed edges)
// =============================================================================

// UpsertAssociation writes the edge in both directions so traversal never
// needs a UNION query against source_id/target_id.
func (s *SQLiteStore) UpsertAssociation(a *Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidAssociationKinds[a.Kind] {
		return errs.New(errs.InvariantViolation, "unknown association kind "+string(a.Kind), nil)
	}

	upsert := `
		INSERT INTO associations (source_id, target_id, kind, strength, created_at, last_activated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, kind) DO UPDATE SET
			strength = excluded.strength,
			last_activated_at = excluded.last_activated_at
	`
	if _, err := s.db.Exec(upsert, a.SourceID, a.TargetID, string(a.Kind), a.Strength, a.CreatedAt, a.LastActivatedAt); err != nil {
		return errs.New(errs.IOFailure, "upsert association forward", err)
	}
	if _, err := s.db.Exec(upsert, a.TargetID, a.SourceID, string(a.Kind), a.Strength, a.CreatedAt, a.LastActivatedAt); err != nil {
		return errs.New(errs.IOFailure, "upsert association reverse", err)
	}
	return nil
}

func (s *SQLiteStore) GetAssociations(memoryID string) ([]*Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT source_id, target_id, kind, strength, created_at, last_activated_at
		FROM associations WHERE source_id = ?
		ORDER BY strength DESC
	`, memoryID)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get associations", err)
	}
	defer rows.Close()

	var out []*Association
	for rows.Next() {
		var a Association
		var kind string
		if err := rows.Scan(&a.SourceID, &a.TargetID, &kind, &a.Strength, &a.CreatedAt, &a.LastActivatedAt); err != nil {
			return nil, errs.New(errs.IOFailure, "scan association", err)
		}
		a.Kind = AssociationKind(kind)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DecayAssociations multiplies every edge's strength by factor, deleting
// edges (in both stored directions) whose resulting strength falls below
// floor. Returns the number of stored rows removed (two per pruned edge).
func (s *SQLiteStore) DecayAssociations(factor float64, floor float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE associations SET strength = strength * ?`, factor); err != nil {
		return 0, errs.New(errs.IOFailure, "decay associations", err)
	}

	res, err := s.db.Exec(`DELETE FROM associations WHERE strength < ?`, floor)
	if err != nil {
		return 0, errs.New(errs.IOFailure, "prune decayed associations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// Sessions
// =============================================================================

func (s *SQLiteStore) OpenSession(sessionID string, at float64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, opened_at, last_activity_at, closed_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_at = excluded.last_activity_at, closed_at = NULL
	`, sessionID, at, at)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "open session", err)
	}
	return &Session{SessionID: sessionID, OpenedAt: at, LastActivityAt: at}, nil
}

func (s *SQLiteStore) RefreshSession(sessionID string, at float64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "refresh session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, errs.New(errs.NotFound, "session "+sessionID, nil)
	}
	return s.getSessionLocked(sessionID)
}

func (s *SQLiteStore) CloseSession(sessionID string, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET closed_at = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		return errs.New(errs.IOFailure, "close session", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(sessionID)
}

// ListOpenSessions returns every session with no closed_at yet, for the
// maintenance tick's inactivity sweep.
func (s *SQLiteStore) ListOpenSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT session_id, opened_at, last_activity_at, closed_at FROM sessions WHERE closed_at IS NULL`)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "list open sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var closedAt sql.NullFloat64
		if err := rows.Scan(&sess.SessionID, &sess.OpenedAt, &sess.LastActivityAt, &closedAt); err != nil {
			return nil, errs.New(errs.IOFailure, "scan open session", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getSessionLocked(sessionID string) (*Session, error) {
	var sess Session
	var closedAt sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT session_id, opened_at, last_activity_at, closed_at FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.OpenedAt, &sess.LastActivityAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "session "+sessionID, nil)
	}
	if err != nil {
		return nil, errs.New(errs.IOFailure, "get session", err)
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Float64
	}
	return &sess, nil
}

// =============================================================================
// Cold cache tier — SQLite-backed, not a separate dependency
// =============================================================================

func (s *SQLiteStore) ColdCacheGet(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM cold_cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.New(errs.IOFailure, "cold cache get", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) ColdCacheSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO cold_cache (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errs.New(errs.IOFailure, "cold cache set", err)
	}
	return nil
}

func (s *SQLiteStore) ColdCacheDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM cold_cache WHERE key = ?`, key)
	if err != nil {
		return errs.New(errs.IOFailure, "cold cache delete", err)
	}
	return nil
}

// ColdCacheClear empties the cold tier wholesale, backing the cache
// manager's clear_all operation.
func (s *SQLiteStore) ColdCacheClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM cold_cache`); err != nil {
		return errs.New(errs.IOFailure, "cold cache clear", err)
	}
	return nil
}

// =============================================================================
// Schema versioning
// =============================================================================

// CheckSchemaVersion compares the schema_version row in the meta table
// against want, writing it on a fresh database. A mismatch fails with
// InvariantViolation rather than attempting a silent migration.
func (s *SQLiteStore) CheckSchemaVersion(want int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, strconv.Itoa(want)); err != nil {
			return errs.New(errs.IOFailure, "record schema version", err)
		}
		return nil
	}
	if err != nil {
		return errs.New(errs.IOFailure, "read schema version", err)
	}
	if stored != strconv.Itoa(want) {
		return errs.New(errs.InvariantViolation, "schema version mismatch: database has "+stored+", engine expects "+strconv.Itoa(want), nil)
	}
	return nil
}

// =============================================================================
// Consistency check / repair (startup + periodic tick)
// =============================================================================

func (s *SQLiteStore) CheckConsistency() (*ConsistencyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &ConsistencyReport{}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&report.DBCount); err != nil {
		return nil, errs.New(errs.IOFailure, "count memories", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&report.VectorCount); err != nil {
		return nil, errs.New(errs.IOFailure, "count vectors", err)
	}
	report.AnnCount = s.ann.Len()

	dbIDs := make(map[string]bool)
	rows, err := s.db.Query(`SELECT v.memory_id FROM vectors v JOIN memories m ON m.id = v.memory_id WHERE m.archived = 0`)
	if err != nil {
		return nil, errs.New(errs.IOFailure, "scan db ids", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.New(errs.IOFailure, "scan db id", err)
		}
		dbIDs[id] = true
	}
	rows.Close()

	annIDs, err := s.ann.ListIDs()
	if err != nil {
		return nil, errs.New(errs.AnnFailure, "list ann ids", err)
	}
	annSet := make(map[string]bool, len(annIDs))
	for _, id := range annIDs {
		annSet[id] = true
	}

	for id := range dbIDs {
		if !annSet[id] {
			report.OrphansDBOnly = append(report.OrphansDBOnly, id)
		}
	}
	for id := range annSet {
		if !dbIDs[id] {
			report.OrphansAnnOnly = append(report.OrphansAnnOnly, id)
		}
	}
	sort.Strings(report.OrphansDBOnly)
	sort.Strings(report.OrphansAnnOnly)

	return report, nil
}

// RepairConsistency re-adds DB-only orphans to the ANN index using their
// stored vector rows (it never re-embeds) and removes ANN-only orphans that
// have no backing row.
func (s *SQLiteStore) RepairConsistency(report *ConsistencyReport) (*RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &RepairReport{}

	for _, id := range report.OrphansDBOnly {
		var blob []byte
		var weight, createdAt float64
		err := s.db.QueryRow(`
			SELECT v.vector, m.weight, m.created_at FROM vectors v
			JOIN memories m ON m.id = v.memory_id WHERE v.memory_id = ?
		`, id).Scan(&blob, &weight, &createdAt)
		if err != nil {
			continue
		}
		if err := s.ann.Add(id, unmarshalVector(blob), weight, createdAt); err == nil {
			out.ReAdded++
		}
	}

	for _, id := range report.OrphansAnnOnly {
		if err := s.ann.Remove(id); err == nil {
			out.Removed++
		}
	}

	return out, nil
}

// =============================================================================
// Stats
// =============================================================================

func (s *SQLiteStore) Stats() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{}

	var memCount, vecCount, groupCount, sessCount, assocCount int
	s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&memCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&vecCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM groups`).Scan(&groupCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM associations`).Scan(&assocCount)

	stats["memory_count"] = memCount
	stats["vector_count"] = vecCount
	stats["group_count"] = groupCount
	stats["session_count"] = sessCount
	stats["association_count"] = assocCount
	stats["ann_count"] = s.ann.Len()

	return stats, nil
}

// Compile-time interface check.
var _ Storer = (*SQLiteStore)(nil)
