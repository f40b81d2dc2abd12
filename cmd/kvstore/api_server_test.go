package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-log"
	"github.com/galdor/go-service/pkg/shttp"
)

// testEngine commits every command immediately, as a single node cluster
// would.
type testEngine struct {
	store    *Store
	logStore *consensus.FileLogStore

	mu sync.Mutex
}

func (e *testEngine) Start(chan<- error) error {
	return nil
}

func (e *testEngine) Stop() {
}

func (e *testEngine) Submit(ctx context.Context, command []byte) (consensus.LogIndex, consensus.Term, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := consensus.LogEntry{
		Term:    1,
		Index:   e.logStore.LastIndex() + 1,
		Type:    consensus.EntryTypeCommand,
		Command: command,
	}

	if err := e.logStore.Append(entry); err != nil {
		return 0, 0, err
	}

	if err := e.store.Apply(entry); err != nil {
		return 0, 0, err
	}

	return entry.Index, entry.Term, nil
}

func (e *testEngine) Query(index consensus.LogIndex) ([]byte, bool) {
	entry, err := e.logStore.Read(index)
	if err != nil {
		return nil, false
	}

	return entry.Command, true
}

func (e *testEngine) Status() consensus.Status {
	lastIndex := e.logStore.LastIndex()

	return consensus.Status{
		Id:          "n1",
		Role:        consensus.RoleLeader,
		Term:        1,
		LeaderId:    "n1",
		CommitIndex: lastIndex,
		LastApplied: lastIndex,
	}
}

func newTestAPIServer(t *testing.T) *APIServer {
	t.Helper()

	dirPath := t.TempDir()

	logStore := consensus.NewFileLogStore(filepath.Join(dirPath, "log"))
	if err := logStore.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	t.Cleanup(func() { logStore.Close() })

	s := Service{
		Cfg: ServiceCfg{
			Consensus: testConsensusCfg("raft"),
		},
		Log: log.DefaultLogger("kvstore"),
		Id:  "n1",

		store:    NewStore(),
		logStore: logStore,
	}

	s.engine = &testEngine{store: s.store, logStore: logStore}

	server, err := shttp.NewServer(shttp.ServerCfg{
		Log:           s.Log.Child("api", nil),
		ErrorChan:     make(chan error, 1),
		Name:          "api",
		ErrorHandler:  shttp.JSONErrorHandler,
		DataDirectory: dirPath,
	})
	if err != nil {
		t.Fatalf("cannot create http server: %v", err)
	}

	api, err := NewAPIServer(&s)
	if err != nil {
		t.Fatalf("cannot create api server: %v", err)
	}

	api.server = server
	api.initRoutes()

	return api
}

func (api *APIServer) testRequest(t *testing.T, method, path, body string, dest interface{}) int {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()

	api.server.ServeHTTP(w, req)

	if dest != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), dest); err != nil {
			t.Fatalf("cannot decode response to %s %s: %v", method, path, err)
		}
	}

	return w.Code
}

func TestAPIStore(t *testing.T) {
	api := newTestAPIServer(t)

	var submitRes SubmitResponse
	status := api.testRequest(t, "PUT", "/store/a", "1", &submitRes)
	if status != http.StatusOK || submitRes.Index != 1 || submitRes.RequestId == "" {
		t.Fatalf("PUT returned %d %#v", status, submitRes)
	}

	var entryRes EntryResponse
	status = api.testRequest(t, "GET", "/store/a", "", &entryRes)
	if status != http.StatusOK || entryRes.Key != "a" || entryRes.Value != "1" {
		t.Errorf("GET returned %d %#v", status, entryRes)
	}

	var keysRes KeysResponse
	api.testRequest(t, "GET", "/store", "", &keysRes)
	if len(keysRes.Keys) != 1 || keysRes.Keys[0] != "a" {
		t.Errorf("keys are %v", keysRes.Keys)
	}

	status = api.testRequest(t, "PUT", "/store/b",
		strings.Repeat("x", MaxValueSize+1), nil)
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized value returned %d", status)
	}

	status = api.testRequest(t, "DELETE", "/store/a", "", nil)
	if status != http.StatusOK {
		t.Errorf("DELETE returned %d", status)
	}

	if status := api.testRequest(t, "GET", "/store/a", "", nil); status != http.StatusNotFound {
		t.Errorf("GET of a deleted key returned %d", status)
	}
}

func TestAPILog(t *testing.T) {
	api := newTestAPIServer(t)

	api.testRequest(t, "PUT", "/store/a", "1", nil)

	var entryRes LogEntryResponse
	status := api.testRequest(t, "GET", "/log/1", "", &entryRes)
	if status != http.StatusOK || !entryRes.Committed || entryRes.Op != `put "a" (1 bytes)` {
		t.Errorf("GET /log/1 returned %d %#v", status, entryRes)
	}

	if status := api.testRequest(t, "GET", "/log/2", "", nil); status != http.StatusNotFound {
		t.Errorf("GET of a missing entry returned %d", status)
	}

	if status := api.testRequest(t, "GET", "/log/x", "", nil); status != http.StatusBadRequest {
		t.Errorf("GET of an invalid index returned %d", status)
	}

	var statusRes StatusResponse
	api.testRequest(t, "GET", "/status", "", &statusRes)
	if statusRes.Mode != "raft" || statusRes.StoreSize != 1 ||
		statusRes.StoreIndex != 1 || statusRes.CommitIndex != 1 {
		t.Errorf("status is %#v", statusRes)
	}
}
