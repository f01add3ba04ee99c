package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/storage"
)

func TestReplaySQLite(t *testing.T) {
	ctx := context.Background()

	tempDir := t.TempDir()
	sourcePath := filepath.Join(tempDir, "source.db")
	targetPath := filepath.Join(tempDir, "target.db")

	source, err := storage.Open(sourcePath)
	if err != nil {
		t.Fatalf("open source db: %v", err)
	}

	raw := []byte(`{"type":"nodeinfo","from":"!a1b2c3d4","longName":"Summit Relay","hopLimit":3,"hopStart":3}`)
	if err := source.InsertMessage(&storage.Message{
		FromNode:   "a1b2c3d4",
		Type:       "nodeinfo",
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed source message: %v", err)
	}
	// Rows without a raw payload cannot be replayed and must be skipped.
	if err := source.InsertMessage(&storage.Message{
		FromNode:   "ffeeddcc",
		Type:       "text",
		Text:       "no raw capture",
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed bare message: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("close source db: %v", err)
	}

	target, err := storage.Open(targetPath)
	if err != nil {
		t.Fatalf("open target db: %v", err)
	}
	defer target.Close()

	store, err := storage.NewStore(target, storage.StoreConfig{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	estimator := hop.New(hop.Config{})
	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{})

	count, err := ReplaySQLite(ctx, sourcePath, decoder, estimator, store, Options{})
	if err != nil {
		t.Fatalf("replay sqlite: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected to replay 1 message, got %d", count)
	}

	node, ok := store.Node("a1b2c3d4")
	if !ok {
		t.Fatal("replayed node missing from store")
	}
	if node.LongName != "Summit Relay" {
		t.Errorf("long_name = %q, want %q", node.LongName, "Summit Relay")
	}
	if node.Hops != 0 || !node.IsDirect {
		t.Errorf("hops = %d direct = %v, want 0/true", node.Hops, node.IsDirect)
	}

	msgs := store.Messages(10, "")
	if len(msgs) != 1 {
		t.Fatalf("replayed messages = %d, want 1", len(msgs))
	}
}

func TestReplaySQLiteValidation(t *testing.T) {
	_, err := ReplaySQLite(context.Background(), "", nil, nil, nil, Options{})
	if err == nil {
		t.Fatal("expected error for empty source path")
	}
}
