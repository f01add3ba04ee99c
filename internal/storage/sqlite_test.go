package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return db
}

func TestUpsertNodePreservesFirstSeen(t *testing.T) {
	db := openTestDB(t)

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	if err := db.UpsertNode(&Node{ID: "a1b2", LongName: "Alpha", FirstSeen: first, LastSeen: first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertNode(&Node{ID: "a1b2", LongName: "Alpha Base", FirstSeen: later, LastSeen: later}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	node, err := db.Node("a1b2")
	if err != nil {
		t.Fatalf("load node: %v", err)
	}
	if node == nil {
		t.Fatal("node not found after upsert")
	}
	if !node.FirstSeen.Equal(first) {
		t.Errorf("first_seen = %v, want %v", node.FirstSeen, first)
	}
	if !node.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", node.LastSeen, later)
	}
	if node.LongName != "Alpha Base" {
		t.Errorf("long_name = %q, want %q", node.LongName, "Alpha Base")
	}
}

func TestUpsertNodeAppendsHistoryOnLiveMetrics(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	rssi := -85
	if err := db.UpsertNode(&Node{ID: "n1", RSSI: &rssi, Hops: 2, FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatalf("upsert with metrics: %v", err)
	}
	// Metadata-only update carries no live metric; no history row.
	if err := db.UpsertNode(&Node{ID: "n1", LongName: "Node One", Hops: UnknownHops, FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatalf("upsert without metrics: %v", err)
	}

	samples, err := db.NodeHistory("n1", 24)
	if err != nil {
		t.Fatalf("node history: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("history rows = %d, want 1", len(samples))
	}
	if samples[0].RSSI == nil || *samples[0].RSSI != -85 {
		t.Errorf("history rssi = %v, want -85", samples[0].RSSI)
	}
	if samples[0].Hops == nil || *samples[0].Hops != 2 {
		t.Errorf("history hops = %v, want 2", samples[0].Hops)
	}
}

func TestNodeHistoryRejectsNegativeWindow(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.NodeHistory("n1", -1); err == nil {
		t.Fatal("expected error for negative hours window")
	}
}

func TestMessagesNewestFirstWithTypeFilter(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	inserts := []Message{
		{FromNode: "a", Type: "text", Text: "oldest", ReceivedAt: base},
		{FromNode: "b", Type: "position", ReceivedAt: base.Add(time.Minute)},
		{FromNode: "a", Type: "text", Text: "newest", ReceivedAt: base.Add(2 * time.Minute)},
	}
	for i := range inserts {
		if err := db.InsertMessage(&inserts[i]); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
		if inserts[i].ID == 0 {
			t.Fatalf("message %d did not get an id", i)
		}
	}

	all, err := db.Messages(10, "")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("messages = %d, want 3", len(all))
	}
	if all[0].Text != "newest" {
		t.Errorf("first message text = %q, want %q", all[0].Text, "newest")
	}

	texts, err := db.Messages(10, "text")
	if err != nil {
		t.Fatalf("filtered messages: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("text messages = %d, want 2", len(texts))
	}
	for _, m := range texts {
		if m.Type != "text" {
			t.Errorf("filter leaked type %q", m.Type)
		}
	}
}

func TestInsertMessageWithoutNodeRow(t *testing.T) {
	db := openTestDB(t)

	// A sender may have no nodes row yet, or its upsert may have
	// failed; the message must still reach durable storage.
	m := Message{FromNode: "never-seen", Type: "text", Text: "orphan", ReceivedAt: time.Now()}
	if err := db.InsertMessage(&m); err != nil {
		t.Fatalf("insert without node row: %v", err)
	}

	msgs, err := db.Messages(10, "")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].FromNode != "never-seen" {
		t.Fatalf("messages = %+v, want single orphan message", msgs)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	old := now.AddDate(0, 0, -40)

	msgs := []Message{
		{FromNode: "a", Type: "text", ReceivedAt: old},
		{FromNode: "a", Type: "text", ReceivedAt: now.AddDate(0, 0, -5)},
	}
	for i := range msgs {
		if err := db.InsertMessage(&msgs[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rssi := -90
	if err := db.UpsertNode(&Node{ID: "n1", RSSI: &rssi, Hops: 1, FirstSeen: old, LastSeen: old}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Age the history row past the retention cutoff.
	if _, err := db.db.Exec(`UPDATE node_history SET recorded_at = ?`, timeToSeconds(old)); err != nil {
		t.Fatalf("age history: %v", err)
	}

	messagesDeleted, historyDeleted, err := db.PurgeOlderThan(30)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if messagesDeleted != 1 {
		t.Errorf("messages deleted = %d, want 1", messagesDeleted)
	}
	if historyDeleted != 1 {
		t.Errorf("history deleted = %d, want 1", historyDeleted)
	}

	remaining, err := db.Messages(10, "")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("remaining messages = %d, want 1", len(remaining))
	}
}

func TestReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	lat, lon := 52.52, 13.405
	seen := time.Date(2026, 8, 29, 9, 30, 0, 0, time.UTC)
	node := &Node{
		ID:        "c3d4",
		LongName:  "Gamma",
		Latitude:  &lat,
		Longitude: &lon,
		Hops:      1,
		FirstSeen: seen,
		LastSeen:  seen,
		Metadata:  map[string]any{"temperature": 21.5},
	}
	if err := db.UpsertNode(node); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.InsertMessage(&Message{FromNode: "c3d4", Type: "text", Text: "hello", ReceivedAt: seen}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	got, err := db.Node("c3d4")
	if err != nil {
		t.Fatalf("load node: %v", err)
	}
	if got == nil {
		t.Fatal("node lost across reopen")
	}
	if got.Latitude == nil || *got.Latitude != lat {
		t.Errorf("latitude = %v, want %v", got.Latitude, lat)
	}
	if got.Hops != 1 {
		t.Errorf("hops = %d, want 1", got.Hops)
	}
	if !got.FirstSeen.Equal(seen) {
		t.Errorf("first_seen = %v, want %v", got.FirstSeen, seen)
	}
	temp, ok := got.Metadata["temperature"].(float64)
	if !ok || temp != 21.5 {
		t.Errorf("metadata temperature = %v, want 21.5", got.Metadata["temperature"])
	}

	msgs, err := db.Messages(10, "")
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("messages after reopen = %+v", msgs)
	}
}

func TestStatsCountsAndTypes(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.UpsertNode(&Node{ID: "n1", Hops: 0, FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, typ := range []string{"text", "text", "position"} {
		if err := db.InsertMessage(&Message{FromNode: "n1", Type: typ, ReceivedAt: now}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalNodes != 1 {
		t.Errorf("total nodes = %d, want 1", stats.TotalNodes)
	}
	if stats.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", stats.TotalMessages)
	}
	if stats.MessageTypes["text"] != 2 {
		t.Errorf("text count = %d, want 2", stats.MessageTypes["text"])
	}
	if stats.DatabaseSizeMB <= 0 {
		t.Errorf("database size = %v, want > 0", stats.DatabaseSizeMB)
	}
}
