package intake

import (
	"context"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/insure"
	"github.com/remiges-tech/sureq/insure/objstore"
)

// inserterMock records inserted requests in memory.
type inserterMock struct {
	inserted []insure.NewRequest
	err      error
}

func (m *inserterMock) Insert(ctx context.Context, nr insure.NewRequest) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.inserted = append(m.inserted, nr)
	return int64(len(m.inserted)), nil
}

// mockFileChk accepts every file and parses nothing.
func mockFileChk(fileContents string, fileName string) (bool, []insure.NewRequest, string) {
	return true, []insure.NewRequest{{URL: "https://api.example.com/hook", Method: "POST"}}, ""
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *inserterMock, *objstore.ObjectStoreMock) {
	t.Helper()
	store := &inserterMock{}
	objs := objstore.NewObjectStoreMock()
	logger := logharbour.NewLogger(logharbour.NewLoggerContext(logharbour.DefaultPriority), "intake-test", log.Writer())
	return NewServer(store, objs, logger, cfg), store, objs
}

func TestRegisterFileChk(t *testing.T) {
	srv, _, _ := newTestServer(t, ServerConfig{})

	err := srv.RegisterFileChk("jsonl", mockFileChk)
	if err != nil {
		t.Errorf("Failed to register file check function: %v", err)
	}

	// Registering a duplicate must fail
	err = srv.RegisterFileChk("jsonl", mockFileChk)
	if err == nil {
		t.Error("Expected error when registering duplicate file check function, got nil")
	}

	err = srv.RegisterFileChk("csv", mockFileChk)
	if err != nil {
		t.Errorf("Failed to register file check function for different file type: %v", err)
	}

	if len(srv.fileChkMap) != 2 {
		t.Errorf("Expected 2 registered file check functions, got %d", len(srv.fileChkMap))
	}
}

func TestProcessFileInsertsAndArchives(t *testing.T) {
	srv, store, objs := newTestServer(t, ServerConfig{})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	lines := []string{
		`{"url": "https://api.example.com/hooks/1", "method": "POST", "payload": "{\"a\":1}"}`,
		`{"url": "https://api.example.com/hooks/2", "method": "GET", "priority": 5}`,
	}
	// Pad past the object-ID length cutoff so the contents are treated as contents.
	contents := strings.Join(lines, "\n") + "\n" + strings.Repeat(" ", 200)

	ids, objectID, err := srv.ProcessFile(context.Background(), contents, "hooks.jsonl", "jsonl")
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	if len(ids) != 2 {
		t.Errorf("expected 2 inserted requests, got %d", len(ids))
	}
	if len(store.inserted) != 2 {
		t.Fatalf("store holds %d requests, want 2", len(store.inserted))
	}
	if store.inserted[1].Priority != 5 {
		t.Errorf("priority not carried through, got %d", store.inserted[1].Priority)
	}
	if objectID == "" {
		t.Error("expected an archive object ID")
	}
	if objs.Len() != 1 {
		t.Errorf("expected 1 archived object, got %d", objs.Len())
	}
}

func TestProcessFileRejectsBadFile(t *testing.T) {
	srv, store, _ := newTestServer(t, ServerConfig{})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	contents := "{broken json\n" + strings.Repeat(" ", 200)
	_, _, err := srv.ProcessFile(context.Background(), contents, "bad.jsonl", "jsonl")
	if err == nil {
		t.Fatal("expected an error for a malformed file")
	}
	if len(store.inserted) != 0 {
		t.Errorf("rejected file must insert nothing, got %d rows", len(store.inserted))
	}
}

func TestProcessFileUnregisteredType(t *testing.T) {
	srv, _, _ := newTestServer(t, ServerConfig{})

	_, _, err := srv.ProcessFile(context.Background(), strings.Repeat("x", 300), "f.csv", "csv")
	if err == nil {
		t.Fatal("expected an error for an unregistered file type")
	}
}

func TestProcessFileFromIncomingBucket(t *testing.T) {
	srv, store, objs := newTestServer(t, ServerConfig{})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	contents := `{"url": "https://api.example.com/hooks/9", "method": "POST"}`
	if err := objs.Put(context.Background(), "incoming", "drop.jsonl", strings.NewReader(contents), -1, "application/json"); err != nil {
		t.Fatal(err)
	}

	ids, objectID, err := srv.ProcessFile(context.Background(), "drop.jsonl", "drop.jsonl", "jsonl")
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if len(ids) != 1 || len(store.inserted) != 1 {
		t.Fatalf("expected 1 inserted request, got %d", len(store.inserted))
	}
	if !strings.HasPrefix(objectID, "drop.jsonl_") {
		t.Errorf("archive object ID should derive from the original, got %q", objectID)
	}

	// The original object must have left the incoming bucket.
	if _, err := objs.Get(context.Background(), "incoming", "drop.jsonl"); err == nil {
		t.Error("object still present in incoming bucket after archiving")
	}
}

func TestURLAllowlist(t *testing.T) {
	srv, store, _ := newTestServer(t, ServerConfig{
		AllowedURLPatterns: []string{"api.example.com/**"},
	})
	if err := srv.RegisterFileChk("jsonl", JSONLinesFileChk); err != nil {
		t.Fatal(err)
	}

	if !srv.URLAllowed("https://api.example.com/hooks/1") {
		t.Error("matching URL rejected")
	}
	if srv.URLAllowed("https://evil.example.net/hooks/1") {
		t.Error("non-matching URL allowed")
	}

	contents := fmt.Sprintf(`{"url": "https://evil.example.net/x", "method": "POST"}`+"\n%s", strings.Repeat(" ", 200))
	_, _, err := srv.ProcessFile(context.Background(), contents, "f.jsonl", "jsonl")
	if err == nil {
		t.Fatal("expected a file with a disallowed URL to be rejected")
	}
	if len(store.inserted) != 0 {
		t.Errorf("disallowed file must insert nothing, got %d rows", len(store.inserted))
	}
}

func TestJSONLinesFileChkEmptyFile(t *testing.T) {
	ok, _, detail := JSONLinesFileChk("\n\n  \n", "empty.jsonl")
	if ok {
		t.Error("empty file must be rejected")
	}
	if detail == "" {
		t.Error("rejection must carry a detail message")
	}
}
