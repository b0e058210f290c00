package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"worldtree/internal/actor"
	"worldtree/internal/cost"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testArtifact(level int) *LevelArtifact {
	actors := []actor.Actor{
		{
			Name: "United States", Description: "Superpower", Type: "country", Depth: 0,
			Children: []actor.Actor{
				{Name: "Federal Reserve", Description: "Central bank", Type: "institution", Depth: 1, ParentName: "United States"},
				{Name: "Department of Defense", Description: "Military", Type: "ministry", Depth: 1, ParentName: "United States"},
			},
		},
		{Name: "China", Description: "Superpower", Type: "country", Depth: 0, ErrorFlag: true},
	}
	return &LevelArtifact{
		Metadata: Metadata{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			ModelProvider: "anthropic",
			ModelName:     "claude-sonnet-4-20250514",
			Level:         level,
			GenerationStats: GenerationStats{
				TotalActors: 2, TotalChildren: 2, ActorsWithChildren: 1,
				AvgChildrenPerActor: 1.0, Successful: 1, Failed: 1,
			},
			CostTracking: cost.Session{TotalCost: 0.042, APICalls: 3},
		},
		Actors:     actors,
		TotalCount: 2,
	}
}

func TestAllocateRun_SequentialNumbering(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		folder, err := s.AllocateRun(date, "anthropic", "m")
		if err != nil {
			t.Fatalf("AllocateRun failed: %v", err)
		}
		want := fmt.Sprintf("run_2026-08-30_%d", i)
		if folder != want {
			t.Errorf("folder = %q, want %q", folder, want)
		}
	}
}

func TestAllocateRun_ConcurrentUniqueness(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	const n = 16
	folders := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			folder, err := s.AllocateRun(date, "anthropic", "m")
			if err != nil {
				t.Errorf("AllocateRun failed: %v", err)
				return
			}
			folders[i] = folder
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, f := range folders {
		if seen[f] {
			t.Fatalf("duplicate folder allocated: %s", f)
		}
		seen[f] = true
	}
}

func TestSaveLoadLevel_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.AllocateRun(time.Now(), "anthropic", "m")
	if err != nil {
		t.Fatal(err)
	}

	artifact := testArtifact(1)
	artifact.Metadata.RunFolder = folder
	if err := s.SaveLevel(folder, artifact); err != nil {
		t.Fatalf("SaveLevel failed: %v", err)
	}

	loaded, err := s.LoadLevel(folder, 1)
	if err != nil {
		t.Fatalf("LoadLevel failed: %v", err)
	}
	if diff := cmp.Diff(artifact, loaded); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestSaveLevel_RefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	folder, _ := s.AllocateRun(time.Now(), "anthropic", "m")

	if err := s.SaveLevel(folder, testArtifact(0)); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := s.SaveLevel(folder, testArtifact(0)); err == nil {
		t.Fatal("second save of the same level should fail")
	}
}

func TestSaveLevel_NoTempFileLeftBehind(t *testing.T) {
	s := newTestStore(t)
	folder, _ := s.AllocateRun(time.Now(), "anthropic", "m")
	if err := s.SaveLevel(folder, testArtifact(0)); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), folder))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLevelCount_StopsAtGap(t *testing.T) {
	s := newTestStore(t)
	folder, _ := s.AllocateRun(time.Now(), "anthropic", "m")

	s.SaveLevel(folder, testArtifact(0))
	s.SaveLevel(folder, testArtifact(1))
	s.SaveLevel(folder, testArtifact(3))

	n, err := s.LevelCount(folder)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("LevelCount = %d, want 2 (level 2 missing)", n)
	}
}

func TestLatestRun_FromRegistry(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	s.AllocateRun(day1, "anthropic", "m1")
	latest, _ := s.AllocateRun(day2, "openai", "m2")
	s.MarkStatus(latest, StatusCompleted)

	rec, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if rec.Folder != latest {
		t.Errorf("folder = %q, want %q", rec.Folder, latest)
	}
	if rec.Status != StatusCompleted || rec.Provider != "openai" {
		t.Errorf("record = %+v", rec)
	}
}

func TestLatestRun_DiskFallback(t *testing.T) {
	dir := t.TempDir()
	// Folders created outside the registry.
	os.Mkdir(filepath.Join(dir, "run_2026-08-29_2"), 0755)
	os.Mkdir(filepath.Join(dir, "run_2026-08-30_1"), 0755)
	os.Mkdir(filepath.Join(dir, "not_a_run"), 0755)

	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if rec.Folder != "run_2026-08-30_1" {
		t.Errorf("folder = %q", rec.Folder)
	}
}

func TestLatestRun_Empty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LatestRun(); err != ErrNoRuns {
		t.Fatalf("err = %v, want ErrNoRuns", err)
	}
}

func TestArtifactJSONShape(t *testing.T) {
	ledger := cost.NewLedger()
	ledger.Record("anthropic", "claude-sonnet-4-20250514", 100, 50, 0.01)

	artifact := testArtifact(2)
	artifact.Metadata.RunFolder = "run_2026-08-30_1"
	artifact.Metadata.ParentFile = "Features_level_1.json"
	artifact.Metadata.CostTracking = ledger.Snapshot()

	data, err := json.Marshal(artifact)
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		t.Fatal("missing metadata object")
	}
	for _, key := range []string{"timestamp", "run_folder", "model_provider", "model_name", "level", "parent_file", "generation_stats", "cost_tracking"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("metadata missing key %q", key)
		}
	}

	stats := meta["generation_stats"].(map[string]any)
	for _, key := range []string{"total_actors", "total_children", "actors_with_children", "avg_children_per_actor", "successful", "failed"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("generation_stats missing key %q", key)
		}
	}

	tracking := meta["cost_tracking"].(map[string]any)
	for _, key := range []string{"total_cost", "api_calls", "tokens_used", "session_duration_seconds", "providers"} {
		if _, ok := tracking[key]; !ok {
			t.Errorf("cost_tracking missing key %q", key)
		}
	}

	if _, ok := doc["actors"].([]any); !ok {
		t.Error("missing actors array")
	}
	if _, ok := doc["total_count"]; !ok {
		t.Error("missing total_count")
	}

	// Nested children serialize under the "children" key.
	actors := doc["actors"].([]any)
	first := actors[0].(map[string]any)
	if _, ok := first["children"]; !ok {
		t.Error("actor children not serialized under \"children\"")
	}
}
