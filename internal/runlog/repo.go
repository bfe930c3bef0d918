package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Repo manages rolling SQLite databases for run history. Each DB is
// named runs-<unix_ms>.db and lives in dir. The active DB rotates when
// it outgrows maxBytes; retainCount historical files are kept.
type Repo struct {
	dir         string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo over dir.
func NewRepo(dir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{dir: dir, maxBytes: maxBytes, retainCount: retainCount}
}

// Open opens (or creates) the active run history database. The latest
// existing DB is reused as active; a new one is created only when none
// exists.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("runlog repo mkdir %s: %w", r.dir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("runlog repo open: %w", err)
	}
	if len(files) > 0 {
		if err := r.openDB(files[len(files)-1]); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// Record inserts one run. Called once per engine run, at completion.
func (r *Repo) Record(run Run) error {
	if r.activeDB == nil {
		return fmt.Errorf("runlog repo: no active db")
	}
	if err := r.maybeRotate(); err != nil {
		return fmt.Errorf("runlog repo rotate: %w", err)
	}

	_, err := r.activeDB.Exec(`INSERT OR IGNORE INTO runs (
		id, kind, started_ns, finished_ns, status,
		servers_total, servers_failed, users_total, users_failed, deleted, detail
	) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, string(run.Kind), run.StartedNs, run.FinishedNs, run.Status,
		run.ServersTotal, run.ServersFailed, run.UsersTotal, run.UsersFailed,
		run.Deleted, run.Detail,
	)
	if err != nil {
		return fmt.Errorf("runlog repo insert %s: %w", run.ID, err)
	}
	return nil
}

// List queries all retained DBs and returns matching runs ordered by
// started_ns DESC.
func (r *Repo) List(f ListFilter) ([]Run, error) {
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

	fetchLimit := limit + offset
	var results []Run
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[runlog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryRuns(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[runlog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[runlog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedNs != results[j].StartedNs {
			return results[i].StartedNs > results[j].StartedNs
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

// GetByID looks up a single run across all retained DBs.
func (r *Repo) GetByID(id string) (*Run, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[runlog] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		run, err := r.queryRunByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[runlog] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[runlog] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && run != nil {
			return run, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := openSQLite(path)
	if err != nil {
		return err
	}
	if err := migrateRunsDB(db); err != nil {
		db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("runs-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.dir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("runlog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[runlog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
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
		return nil, fmt.Errorf("runlog list dir %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "runs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.dir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
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

const runColumns = `id, kind, started_ns, finished_ns, status,
	servers_total, servers_failed, users_total, users_failed, deleted, detail`

func (r *Repo) queryRuns(db *sql.DB, f ListFilter, limit int) ([]Run, error) {
	q := "SELECT " + runColumns + " FROM runs"
	var args []interface{}
	if f.Kind != "" {
		q += " WHERE kind = ?"
		args = append(args, string(f.Kind))
	}
	q += " ORDER BY started_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var run Run
		var kind string
		err := rows.Scan(
			&run.ID, &kind, &run.StartedNs, &run.FinishedNs, &run.Status,
			&run.ServersTotal, &run.ServersFailed, &run.UsersTotal, &run.UsersFailed,
			&run.Deleted, &run.Detail,
		)
		if err != nil {
			log.Printf("[runlog] warning: skip malformed run row during scan: %v", err)
			continue
		}
		run.Kind = RunKind(kind)
		results = append(results, run)
	}
	return results, rows.Err()
}

func (r *Repo) queryRunByID(db *sql.DB, id string) (*Run, error) {
	row := db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id)

	var run Run
	var kind string
	err := row.Scan(
		&run.ID, &kind, &run.StartedNs, &run.FinishedNs, &run.Status,
		&run.ServersTotal, &run.ServersFailed, &run.UsersTotal, &run.UsersFailed,
		&run.Deleted, &run.Detail,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = RunKind(kind)
	return &run, nil
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
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
