// Package runstore persists generation runs. Level artifacts are append-only
// JSON files and remain the source of truth; a small sqlite registry keeps
// run lookup and status marking cheap.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"worldtree/internal/actor"
	"worldtree/internal/cost"
)

// ErrNoRuns is returned when no run has been recorded yet.
var ErrNoRuns = errors.New("no runs found")

// GenerationStats summarizes one level's expansion outcomes.
type GenerationStats struct {
	TotalActors         int     `json:"total_actors"`
	TotalChildren       int     `json:"total_children"`
	ActorsWithChildren  int     `json:"actors_with_children"`
	AvgChildrenPerActor float64 `json:"avg_children_per_actor"`
	Successful          int     `json:"successful"`
	Failed              int     `json:"failed"`
}

// Metadata carries the provenance of one level artifact.
type Metadata struct {
	Timestamp       string          `json:"timestamp"`
	RunFolder       string          `json:"run_folder"`
	ModelProvider   string          `json:"model_provider"`
	ModelName       string          `json:"model_name"`
	Level           int             `json:"level"`
	ParentFile      string          `json:"parent_file"`
	GenerationStats GenerationStats `json:"generation_stats"`
	CostTracking    cost.Session    `json:"cost_tracking"`
}

// LevelArtifact is the persisted form of one completed level.
type LevelArtifact struct {
	Metadata   Metadata      `json:"metadata"`
	Actors     []actor.Actor `json:"actors"`
	TotalCount int           `json:"total_count"`
}

// RunRecord is one row of the run registry.
type RunRecord struct {
	Folder    string
	CreatedAt time.Time
	Status    string
	Levels    int
	Provider  string
	Model     string
}

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store manages run folders under a single root directory.
type Store struct {
	root string
	db   *sql.DB
}

// NewStore creates or opens a run store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run root: %w", err)
	}

	dsn := "file:" + filepath.Join(dir, "runs.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open run registry: %w", err)
	}

	s := &Store{root: dir, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return s, nil
}

// Close closes the registry database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the directory all run folders live under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		folder TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		levels INTEGER NOT NULL DEFAULT 0,
		provider TEXT,
		model TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AllocateRun claims a fresh run_<YYYY-MM-DD>_<N> folder for the given day.
// The claim is the os.Mkdir itself, so concurrent same-day allocations can
// never yield the same folder.
func (s *Store) AllocateRun(date time.Time, provider, model string) (string, error) {
	day := date.Format("2006-01-02")
	for n := 1; ; n++ {
		folder := fmt.Sprintf("run_%s_%d", day, n)
		err := os.Mkdir(filepath.Join(s.root, folder), 0755)
		if err == nil {
			if _, dbErr := s.db.Exec(
				`INSERT INTO runs (folder, created_at, status, provider, model) VALUES (?, ?, ?, ?, ?)`,
				folder, time.Now().UTC(), StatusRunning, provider, model,
			); dbErr != nil {
				return "", fmt.Errorf("failed to register run %s: %w", folder, dbErr)
			}
			return folder, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create run folder: %w", err)
		}
	}
}

// LevelFileName returns the artifact file name for a level.
func LevelFileName(level int) string {
	return fmt.Sprintf("Features_level_%d.json", level)
}

// SaveLevel writes one level artifact. Artifacts are append-only: an existing
// file is never overwritten, and the write goes through a temp file and
// rename so a crash can never leave a half-written artifact behind.
func (s *Store) SaveLevel(runFolder string, artifact *LevelArtifact) error {
	return s.saveFile(runFolder, LevelFileName(artifact.Metadata.Level), artifact)
}

// SaveLevelAs writes an artifact under an explicit file name. Used for
// derived outputs such as the parameter-annotated copy of a level.
func (s *Store) SaveLevelAs(runFolder, fileName string, artifact *LevelArtifact) error {
	return s.saveFile(runFolder, fileName, artifact)
}

func (s *Store) saveFile(runFolder, fileName string, artifact *LevelArtifact) error {
	dir := filepath.Join(s.root, runFolder)
	final := filepath.Join(dir, fileName)

	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("artifact %s already exists in %s", fileName, runFolder)
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}

	if _, err := s.db.Exec(
		`UPDATE runs SET levels = levels + 1 WHERE folder = ?`, runFolder,
	); err != nil {
		return fmt.Errorf("failed to update registry for %s: %w", runFolder, err)
	}
	return nil
}

// LoadLevel reads one level artifact back, for resume and for the parameter
// pass.
func (s *Store) LoadLevel(runFolder string, level int) (*LevelArtifact, error) {
	data, err := os.ReadFile(filepath.Join(s.root, runFolder, LevelFileName(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to read level %d of %s: %w", level, runFolder, err)
	}
	var artifact LevelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse level %d of %s: %w", level, runFolder, err)
	}
	return &artifact, nil
}

var levelFileRe = regexp.MustCompile(`^Features_level_(\d+)\.json$`)

// LevelCount returns how many consecutive level artifacts exist, starting at
// level 0. The filesystem is authoritative here, not the registry counter.
func (s *Store) LevelCount(runFolder string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, runFolder))
	if err != nil {
		return 0, fmt.Errorf("failed to read run folder %s: %w", runFolder, err)
	}
	present := map[int]bool{}
	for _, e := range entries {
		if m := levelFileRe.FindStringSubmatch(e.Name()); m != nil {
			level, _ := strconv.Atoi(m[1])
			present[level] = true
		}
	}
	count := 0
	for present[count] {
		count++
	}
	return count, nil
}

// MarkStatus records a run's terminal state in the registry.
func (s *Store) MarkStatus(runFolder, status string) error {
	if _, err := s.db.Exec(
		`UPDATE runs SET status = ? WHERE folder = ?`, status, runFolder,
	); err != nil {
		return fmt.Errorf("failed to mark run %s %s: %w", runFolder, status, err)
	}
	return nil
}

// LatestRun returns the most recently created run. The registry answers
// first; if it is empty (deleted or created after the fact) the run folders
// themselves are scanned.
func (s *Store) LatestRun() (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT folder, created_at, status, levels, COALESCE(provider, ''), COALESCE(model, '')
		 FROM runs ORDER BY created_at DESC, folder DESC LIMIT 1`)

	var rec RunRecord
	err := row.Scan(&rec.Folder, &rec.CreatedAt, &rec.Status, &rec.Levels, &rec.Provider, &rec.Model)
	if err == nil {
		if n, cerr := s.LevelCount(rec.Folder); cerr == nil {
			rec.Levels = n
		}
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query run registry: %w", err)
	}
	return s.latestFromDisk()
}

var runFolderRe = regexp.MustCompile(`^run_(\d{4}-\d{2}-\d{2})_(\d+)$`)

func (s *Store) latestFromDisk() (*RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run root: %w", err)
	}

	type candidate struct {
		folder string
		day    string
		n      int
	}
	var found []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := runFolderRe.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[2])
			found = append(found, candidate{folder: e.Name(), day: m[1], n: n})
		}
	}
	if len(found) == 0 {
		return nil, ErrNoRuns
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].day != found[j].day {
			return found[i].day < found[j].day
		}
		return found[i].n < found[j].n
	})
	last := found[len(found)-1]

	levels, err := s.LevelCount(last.folder)
	if err != nil {
		return nil, err
	}
	return &RunRecord{Folder: last.folder, Status: StatusCompleted, Levels: levels}, nil
}
