// Package journal records per-cycle outcomes in rolling SQLite databases.
// It is write-behind, best-effort telemetry: the pipeline never reads it back
// and journal failures never fail a cycle.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CycleRecord is one fetch-and-publish cycle with its per-resource batches.
type CycleRecord struct {
	ID         string `json:"id"`
	Trigger    string `json:"trigger"`
	StartedAt  int64  `json:"started_at_ns"`
	FinishedAt int64  `json:"finished_at_ns"`

	Resources     int    `json:"resources"`
	Accepted      int    `json:"accepted"`
	RowsPublished int    `json:"rows_published"`
	RowsSkipped   int    `json:"rows_skipped"`
	MsgsSent      int    `json:"msgs_sent"`
	Error         string `json:"error,omitempty"`

	Publishes []PublishRecord `json:"publishes,omitempty"`
}

// PublishRecord is one resource's fan-out within a cycle.
type PublishRecord struct {
	Resource      string `json:"resource"`
	RICs          int    `json:"rics"`
	EngineVersion string `json:"engine_version"`
	CloseTime     int64  `json:"close_time_ns"`
	RowsPublished int    `json:"rows_published"`
	MsgsSent      int    `json:"msgs_sent"`
}

// Repo manages the rolling journal databases. Each file is named
// journal-<unix_ms>.db; the active one rotates by size and old files are
// pruned down to a retained count.
type Repo struct {
	dir         string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo rooted at dir.
func NewRepo(dir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{dir: dir, maxBytes: maxBytes, retainCount: retainCount}
}

// Open reuses the latest existing journal file as active, creating a fresh
// one only when none exists. Older files beyond the retention count are
// pruned on startup.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("journal: mkdir %s: %w", r.dir, err)
	}
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		db, err := openDB(files[len(files)-1])
		if err != nil {
			return err
		}
		r.activeDB = db
		r.activePath = files[len(files)-1]
		return r.cleanup()
	}
	return r.rotate()
}

// Close closes the active database.
func (r *Repo) Close() error {
	if r.activeDB == nil {
		return nil
	}
	err := r.activeDB.Close()
	r.activeDB = nil
	r.activePath = ""
	return err
}

// InsertBatch writes a batch of cycle records in one transaction and returns
// how many cycles were inserted. Individual row failures are logged and
// skipped.
func (r *Repo) InsertBatch(records []CycleRecord) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("journal: no active db")
	}
	if err := r.maybeRotate(); err != nil {
		return 0, err
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertCycle, err := tx.Prepare(`INSERT OR IGNORE INTO cycles (
		id, trigger, started_at_ns, finished_at_ns,
		resources, accepted, rows_published, rows_skipped, msgs_sent, error
	) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("journal: prepare cycles: %w", err)
	}
	defer insertCycle.Close()

	insertPublish, err := tx.Prepare(`INSERT INTO publishes (
		cycle_id, resource, rics, engine_version, close_time_ns, rows_published, msgs_sent
	) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("journal: prepare publishes: %w", err)
	}
	defer insertPublish.Close()

	inserted := 0
	for i := range records {
		rec := &records[i]
		if _, err := insertCycle.Exec(
			rec.ID, rec.Trigger, rec.StartedAt, rec.FinishedAt,
			rec.Resources, rec.Accepted, rec.RowsPublished, rec.RowsSkipped, rec.MsgsSent, rec.Error,
		); err != nil {
			log.Printf("[journal] skip cycle %q: %v", rec.ID, err)
			continue
		}
		for _, p := range rec.Publishes {
			if _, err := insertPublish.Exec(
				rec.ID, p.Resource, p.RICs, p.EngineVersion, p.CloseTime, p.RowsPublished, p.MsgsSent,
			); err != nil {
				log.Printf("[journal] skip publish row for cycle %q resource %q: %v", rec.ID, p.Resource, err)
			}
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: commit: %w", err)
	}
	return inserted, nil
}

// ListFilter bounds a cycle listing.
type ListFilter struct {
	Trigger string
	Before  int64 // started_at_ns < Before, 0 = unbounded
	After   int64 // started_at_ns > After, 0 = unbounded
	Limit   int
	Offset  int
}

// ListCycles queries all retained files and returns cycles newest first.
func (r *Repo) ListCycles(f ListFilter) ([]CycleRecord, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var results []CycleRecord
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[journal] list: open %q: %v", files[i], err)
			continue
		}
		rows, err := r.queryCycles(db, f, limit+offset)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[journal] list: close %q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[journal] list: query %q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAt != results[j].StartedAt {
			return results[i].StartedAt > results[j].StartedAt
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *Repo) queryCycles(db *sql.DB, f ListFilter, limit int) ([]CycleRecord, error) {
	var where []string
	var args []any
	if f.Trigger != "" {
		where = append(where, "trigger = ?")
		args = append(args, f.Trigger)
	}
	if f.Before > 0 {
		where = append(where, "started_at_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "started_at_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT id, trigger, started_at_ns, finished_at_ns, resources, accepted, rows_published, rows_skipped, msgs_sent, error FROM cycles"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		if err := rows.Scan(
			&rec.ID, &rec.Trigger, &rec.StartedAt, &rec.FinishedAt,
			&rec.Resources, &rec.Accepted, &rec.RowsPublished, &rec.RowsSkipped, &rec.MsgsSent, &rec.Error,
		); err != nil {
			log.Printf("[journal] skip malformed cycle row: %v", err)
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// --- rotation ---

func (r *Repo) rotate() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	path := filepath.Join(r.dir, fmt.Sprintf("journal-%d.db", time.Now().UnixMilli()))
	db, err := openDB(path)
	if err != nil {
		return fmt.Errorf("journal: rotate: %w", err)
	}
	r.activeDB = db
	r.activePath = path
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotate()
	}
	size, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[journal] stat %q: %v", r.activePath, err)
		return nil
	}
	if size >= r.maxBytes {
		return r.rotate()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) <= r.retainCount {
		return nil
	}
	for _, f := range files[:len(files)-r.retainCount] {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: list %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "journal-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.dir, name))
		}
	}
	sort.Strings(files) // lexicographic equals chronological for this naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// sqliteFilesSize sums the database file and its WAL/SHM sidecars.
func sqliteFilesSize(basePath string) (int64, error) {
	var total int64
	for _, p := range []string{basePath, basePath + "-wal", basePath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
