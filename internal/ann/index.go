// Package ann implements the approximate-nearest-neighbor vector index.
// It is built the way the rest of this codebase is built: a database/sql
// handle over the ncruces SQLite driver with the sqlite-vec extension
// registered, just pointed at ":memory:" instead of a file. That keeps the
// index fast and volatile while still letting it be flushed to, and
// reloaded from, a single file via SQLite's own VACUUM INTO / ATTACH
// machinery rather than a bespoke serialization format.
package ann

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/memengine/internal/errs"
)

// Match is one ranked result from Search.
type Match struct {
	ID       string
	Distance float64
	Score    float64 // cosine similarity in [-1, 1], derived from Distance
	Weight   float64
}

// NoMinScore disables score filtering in Search, returning the k nearest
// matches regardless of how dissimilar the farthest one is.
const NoMinScore = -2.0

// Index is an in-memory nearest-neighbor index over fixed-dimension
// embeddings, backed by a vec0 virtual table plus an auxiliary table
// carrying the denormalized weight/created_at metadata vec0 itself cannot
// hold, used to break similarity ties: higher weight first, then older
// memory first.
type Index struct {
	mu        sync.RWMutex
	db        *sql.DB
	dim       int
	nextRowID int64
	rowByID   map[string]int64
	idByRow   map[int64]string
}

// NewIndex creates an empty in-memory ANN index for vectors of the given
// dimension.
func NewIndex(dim int) (*Index, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, errs.New(errs.IOFailure, "open ann database", err)
	}

	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE vec_items USING vec0(embedding float[%d])`, dim)
	if _, err := db.Exec(stmt); err != nil {
		db.Close()
		return nil, errs.New(errs.AnnFailure, "create vec0 table", err)
	}
	if _, err := db.Exec(`CREATE TABLE ann_meta (memory_id TEXT PRIMARY KEY, rowid_ref INTEGER NOT NULL, weight REAL NOT NULL, created_at REAL NOT NULL)`); err != nil {
		db.Close()
		return nil, errs.New(errs.AnnFailure, "create ann metadata table", err)
	}
	if _, err := db.Exec(`CREATE INDEX idx_ann_meta_row ON ann_meta(rowid_ref)`); err != nil {
		db.Close()
		return nil, errs.New(errs.AnnFailure, "create ann metadata index", err)
	}

	return &Index{
		db:      db,
		dim:     dim,
		rowByID: make(map[string]int64),
		idByRow: make(map[int64]string),
	}, nil
}

func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// Add inserts or replaces the vector for id. Vectors must be unit-norm;
// callers normalize before calling Add so that vec0's distance metric
// behaves as cosine similarity.
func (ix *Index) Add(id string, vector []float32, weight, createdAt float64) error {
	if len(vector) != ix.dim {
		return errs.New(errs.InvariantViolation, fmt.Sprintf("vector dimension %d does not match index dimension %d", len(vector), ix.dim), nil)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if row, ok := ix.rowByID[id]; ok {
		if _, err := ix.db.Exec(`DELETE FROM vec_items WHERE rowid = ?`, row); err != nil {
			return errs.New(errs.AnnFailure, "replace vector", err)
		}
	} else {
		ix.nextRowID++
		ix.rowByID[id] = ix.nextRowID
		ix.idByRow[ix.nextRowID] = id
	}
	row := ix.rowByID[id]

	blob := marshalVector(vector)
	if _, err := ix.db.Exec(`INSERT INTO vec_items(rowid, embedding) VALUES (?, ?)`, row, blob); err != nil {
		return errs.New(errs.AnnFailure, "insert vector", err)
	}

	_, err := ix.db.Exec(`
		INSERT INTO ann_meta (memory_id, rowid_ref, weight, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET rowid_ref = excluded.rowid_ref, weight = excluded.weight, created_at = excluded.created_at
	`, id, row, weight, createdAt)
	if err != nil {
		return errs.New(errs.AnnFailure, "upsert ann metadata", err)
	}

	return nil
}

// Remove deletes id from the index. Removing an id that is not present is
// not an error.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	row, ok := ix.rowByID[id]
	if !ok {
		return nil
	}

	if _, err := ix.db.Exec(`DELETE FROM vec_items WHERE rowid = ?`, row); err != nil {
		return errs.New(errs.AnnFailure, "delete vector", err)
	}
	if _, err := ix.db.Exec(`DELETE FROM ann_meta WHERE memory_id = ?`, id); err != nil {
		return errs.New(errs.AnnFailure, "delete ann metadata", err)
	}
	delete(ix.rowByID, id)
	delete(ix.idByRow, row)
	return nil
}

// UpdateWeight changes the weight carried for id without touching its
// vector, used by pkg/lifecycle after weight decay or reinforcement.
func (ix *Index) UpdateWeight(id string, weight float64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.rowByID[id]; !ok {
		return errs.New(errs.NotFound, "ann entry "+id, nil)
	}
	if _, err := ix.db.Exec(`UPDATE ann_meta SET weight = ? WHERE memory_id = ?`, weight, id); err != nil {
		return errs.New(errs.AnnFailure, "update weight", err)
	}
	return nil
}

// Len returns the number of vectors currently indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.rowByID)
}

// ListIDs returns every indexed id, used by consistency checks.
func (ix *Index) ListIDs() ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.rowByID))
	for id := range ix.rowByID {
		ids = append(ids, id)
	}
	return ids, nil
}

// Search returns up to k nearest matches to query whose cosine similarity is
// at least minScore (pass NoMinScore to disable filtering), ranked by
// descending score with ties broken by descending weight then ascending
// created_at. query and every stored vector are assumed unit-norm, so the
// vec0 L2 distance d relates to cosine similarity by score = 1 - d²/2.
func (ix *Index) Search(query []float32, k int, minScore float64) ([]Match, error) {
	if len(query) != ix.dim {
		return nil, errs.New(errs.InvariantViolation, fmt.Sprintf("query dimension %d does not match index dimension %d", len(query), ix.dim), nil)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.rowByID) == 0 {
		return nil, nil
	}
	if k > len(ix.rowByID) {
		k = len(ix.rowByID)
	}

	rows, err := ix.db.Query(`
		SELECT rowid, distance FROM vec_items WHERE embedding MATCH ? AND k = ? ORDER BY distance
	`, marshalVector(query), k)
	if err != nil {
		return nil, errs.New(errs.AnnFailure, "vector search", err)
	}
	defer rows.Close()

	type candidate struct {
		row       int64
		distance  float64
		weight    float64
		createdAt float64
	}
	var candidates []candidate

	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.row, &c.distance); err != nil {
			return nil, errs.New(errs.AnnFailure, "scan search result", err)
		}
		id, ok := ix.idByRow[c.row]
		if !ok {
			continue
		}
		if err := ix.db.QueryRow(`SELECT weight, created_at FROM ann_meta WHERE memory_id = ?`, id).Scan(&c.weight, &c.createdAt); err != nil {
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.AnnFailure, "iterate search results", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		const eps = 1e-9
		if math.Abs(candidates[i].distance-candidates[j].distance) > eps {
			return candidates[i].distance < candidates[j].distance
		}
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].createdAt < candidates[j].createdAt
	})

	out := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := cosineFromL2(c.distance)
		if minScore != NoMinScore && score < minScore {
			continue
		}
		out = append(out, Match{ID: ix.idByRow[c.row], Distance: c.distance, Score: score, Weight: c.weight})
	}
	return out, nil
}

// cosineFromL2 recovers cosine similarity from the L2 distance between two
// unit-norm vectors: ‖u-v‖² = 2 - 2·cos(u,v).
func cosineFromL2(distance float64) float64 {
	score := 1 - (distance*distance)/2
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// Entry is one (memory_id, vector) pair fed to RebuildFrom, carrying the
// weight/created_at metadata the index uses for tie-breaking.
type Entry struct {
	ID        string
	Vector    []float32
	Weight    float64
	CreatedAt float64
}

// RebuildFrom atomically replaces the index's entire contents with entries.
// Entries whose vector does not match the index's dimension are skipped
// rather than failing the rebuild: they were stored under a different
// embedding model and stay readable in the durable store, just not
// searchable until re-embedded.
func (ix *Index) RebuildFrom(entries []Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.Exec(`DELETE FROM vec_items`); err != nil {
		return errs.New(errs.AnnFailure, "clear vec_items before rebuild", err)
	}
	if _, err := ix.db.Exec(`DELETE FROM ann_meta`); err != nil {
		return errs.New(errs.AnnFailure, "clear ann_meta before rebuild", err)
	}
	ix.rowByID = make(map[string]int64)
	ix.idByRow = make(map[int64]string)
	ix.nextRowID = 0

	for _, e := range entries {
		if len(e.Vector) != ix.dim {
			continue
		}
		ix.nextRowID++
		row := ix.nextRowID
		if _, err := ix.db.Exec(`INSERT INTO vec_items(rowid, embedding) VALUES (?, ?)`, row, marshalVector(e.Vector)); err != nil {
			return errs.New(errs.AnnFailure, "insert rebuilt vector", err)
		}
		if _, err := ix.db.Exec(`INSERT INTO ann_meta (memory_id, rowid_ref, weight, created_at) VALUES (?, ?, ?, ?)`, e.ID, row, e.Weight, e.CreatedAt); err != nil {
			return errs.New(errs.AnnFailure, "insert rebuilt metadata", err)
		}
		ix.rowByID[e.ID] = row
		ix.idByRow[row] = e.ID
	}
	return nil
}

// Flush persists the index to path using SQLite's own VACUUM INTO, so the
// on-disk file is a complete, independently openable SQLite database. Any
// previous snapshot at path is replaced; VACUUM INTO refuses to overwrite.
func (ix *Index) Flush(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.IOFailure, "replace ann snapshot "+path, err)
	}
	if _, err := ix.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return errs.New(errs.IOFailure, "flush ann index to "+path, err)
	}
	return nil
}

// Load replaces the index's contents with the index previously flushed to
// path, rebuilding the in-process id<->rowid maps from the loaded
// ann_meta table.
func (ix *Index) Load(path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.Exec(`ATTACH DATABASE ? AS src`, path); err != nil {
		return errs.New(errs.IOFailure, "attach ann snapshot "+path, err)
	}
	defer ix.db.Exec(`DETACH DATABASE src`)

	if _, err := ix.db.Exec(`DELETE FROM vec_items`); err != nil {
		return errs.New(errs.AnnFailure, "clear vec_items before load", err)
	}
	if _, err := ix.db.Exec(`DELETE FROM ann_meta`); err != nil {
		return errs.New(errs.AnnFailure, "clear ann_meta before load", err)
	}

	if _, err := ix.db.Exec(`INSERT INTO vec_items(rowid, embedding) SELECT rowid, embedding FROM src.vec_items`); err != nil {
		return errs.New(errs.AnnFailure, "copy vectors from snapshot", err)
	}
	if _, err := ix.db.Exec(`INSERT INTO ann_meta SELECT * FROM src.ann_meta`); err != nil {
		return errs.New(errs.AnnFailure, "copy metadata from snapshot", err)
	}

	rows, err := ix.db.Query(`SELECT memory_id, rowid_ref FROM ann_meta`)
	if err != nil {
		return errs.New(errs.AnnFailure, "rebuild id maps", err)
	}
	defer rows.Close()

	ix.rowByID = make(map[string]int64)
	ix.idByRow = make(map[int64]string)
	ix.nextRowID = 0
	for rows.Next() {
		var id string
		var row int64
		if err := rows.Scan(&id, &row); err != nil {
			return errs.New(errs.AnnFailure, "scan rebuilt id map", err)
		}
		ix.rowByID[id] = row
		ix.idByRow[row] = id
		if row > ix.nextRowID {
			ix.nextRowID = row
		}
	}
	return rows.Err()
}

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
