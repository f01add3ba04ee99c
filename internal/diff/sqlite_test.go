package diff

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meshmon/internal/storage"
)

func seedDB(t *testing.T, path string, texts []string) {
	t.Helper()
	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	seen := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := db.UpsertNode(&storage.Node{ID: "a1b2", LongName: "Alpha", FirstSeen: seen, LastSeen: seen}); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	for i, text := range texts {
		if err := db.InsertMessage(&storage.Message{
			FromNode:   "a1b2",
			Type:       "text",
			Text:       text,
			ReceivedAt: seen.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

func TestCompareSQLiteFindsDivergence(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")

	seedDB(t, pathA, []string{"shared", "only in a"})
	seedDB(t, pathB, []string{"shared"})

	summary, err := CompareSQLite(context.Background(), pathA, pathB, Options{SampleLimit: 5})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	if summary.InSync() {
		t.Fatal("expected divergence to be reported")
	}
	if summary.Messages.OnlyA != 1 {
		t.Errorf("messages only in A = %d, want 1", summary.Messages.OnlyA)
	}
	if summary.Messages.OnlyB != 0 {
		t.Errorf("messages only in B = %d, want 0", summary.Messages.OnlyB)
	}
	if summary.Nodes.OnlyA != 0 || summary.Nodes.OnlyB != 0 {
		t.Errorf("nodes diff = %+v, want none", summary.Nodes)
	}
	if len(summary.Messages.SampleOnlyA) != 1 {
		t.Errorf("sample size = %d, want 1", len(summary.Messages.SampleOnlyA))
	}
}

func TestCompareSQLiteIdentical(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")

	seedDB(t, pathA, []string{"one", "two"})
	seedDB(t, pathB, []string{"one", "two"})

	summary, err := CompareSQLite(context.Background(), pathA, pathB, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !summary.InSync() {
		t.Fatalf("expected identical databases, got %+v", summary)
	}
}
