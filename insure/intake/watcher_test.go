package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherProcessesDroppedFile(t *testing.T) {
	srv, store, objs := newTestServer(t, ServerConfig{})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.jsonl")
	contents := `{"url": "https://api.example.com/hooks/1", "method": "POST"}` + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	// Age the file past the threshold.
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(WatcherConfig{
		WatchDirs:   []string{dir},
		FileTypeMap: []FileTypeMapping{{Path: "*.jsonl", Type: "jsonl"}},
		FileAgeSecs: 10,
	}, srv)

	w.processAllMappings(context.Background())

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 inserted request, got %d", len(store.inserted))
	}
	if objs.Len() != 1 {
		t.Errorf("expected the file to be archived, store holds %d objects", objs.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("processed file should be removed from the watch directory")
	}
}

func TestWatcherSkipsFreshFile(t *testing.T) {
	srv, store, _ := newTestServer(t, ServerConfig{})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.jsonl")
	contents := `{"url": "https://api.example.com/hooks/1", "method": "POST"}` + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(WatcherConfig{
		WatchDirs:   []string{dir},
		FileTypeMap: []FileTypeMapping{{Path: "*.jsonl", Type: "jsonl"}},
		FileAgeSecs: 3600,
	}, srv)

	w.processAllMappings(context.Background())

	if len(store.inserted) != 0 {
		t.Fatalf("fresh file must be left alone, got %d inserts", len(store.inserted))
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("fresh file should remain in the watch directory")
	}
}
