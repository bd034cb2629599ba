package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stereodsm/internal/orchestrator"
	"stereodsm/internal/storage"

	"github.com/gorilla/websocket"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New("", store, orchestrator.NewBus(logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.run(ctx, s.bus)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected %d %q", resp.StatusCode, body)
	}
}

func TestRunsAndTasks(t *testing.T) {
	s, ts := testServer(t)
	if err := s.store.RecordRunStart(storage.RunRecord{ID: "run-1", Command: "prepare", InputPath: "in.json", OutputPath: "out"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.store.RecordTaskQueued(storage.TaskRecord{Handle: "h1", RunID: "run-1", Kind: "sparse_matching", Backend: "local", Status: "queued"}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := s.store.RecordRunEnd("run-1", "completed", map[string]any{"content": "out/content.json"}, ""); err != nil {
		t.Fatalf("record end: %v", err)
	}

	var runs []storage.RunRecord
	if code := getJSON(t, ts.URL+"/runs", &runs); code != http.StatusOK || len(runs) != 1 || runs[0].Status != "completed" {
		t.Fatalf("runs %d %+v", code, runs)
	}
	var tasks []storage.TaskRecord
	if code := getJSON(t, ts.URL+"/runs/run-1/tasks", &tasks); code != http.StatusOK || len(tasks) != 1 || tasks[0].Handle != "h1" {
		t.Fatalf("tasks %d %+v", code, tasks)
	}
	var meta map[string]any
	if code := getJSON(t, ts.URL+"/runs/run-1", &meta); code != http.StatusOK || meta["content"] != "out/content.json" {
		t.Fatalf("meta %d %v", code, meta)
	}
	if code := getJSON(t, ts.URL+"/runs/nope", nil); code != http.StatusNotFound {
		t.Fatalf("unknown run gave %d", code)
	}
	if code := getJSON(t, ts.URL+"/runs?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit gave %d", code)
	}
}

func TestStreamForwardsEvents(t *testing.T) {
	s, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	s.bus.Publish(orchestrator.Event{RunID: "run-1", Handle: "h1", Kind: "dense_matching", Status: orchestrator.StatusCompleted})
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev orchestrator.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Handle != "h1" || ev.Status != orchestrator.StatusCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebsocketReceivesEvents(t *testing.T) {
	s, ts := testServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.count.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.bus.Publish(orchestrator.Event{Handle: "h2", Kind: "sparse_matching", Status: orchestrator.StatusRunning})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev orchestrator.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Handle != "h2" || ev.Status != orchestrator.StatusRunning {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "stereodsm_") {
		t.Fatalf("metrics %d missing stereodsm series", resp.StatusCode)
	}
}
