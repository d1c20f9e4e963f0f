package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hostmux/hostmux/internal/events"
	"github.com/hostmux/hostmux/internal/jobs"
	"github.com/hostmux/hostmux/internal/journal"
	"github.com/hostmux/hostmux/internal/log"
)

type stubTable struct {
	infos []jobs.JobInfo
}

func (s stubTable) Snapshot() []jobs.JobInfo { return s.infos }
func (s stubTable) Count() int               { return len(s.infos) }

type stubHistory struct {
	runs []journal.Run
	err  error
}

func (s stubHistory) Recent(ctx context.Context, limit int) ([]journal.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func newTestServer(table JobTable, history RunHistory, hub *events.Hub) *Server {
	if hub == nil {
		hub = events.NewHub(16)
	}
	return New(Config{Listen: "127.0.0.1:0"}, table, history, hub, log.WithComponent("api-test"))
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(stubTable{infos: []jobs.JobInfo{{ID: 1}}}, nil, nil)
	rec := doGet(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
		Jobs   int    `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.Jobs != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestJobsSnapshot(t *testing.T) {
	t.Parallel()

	table := stubTable{infos: []jobs.JobInfo{
		{ID: 1, Name: "cat", PID: 100, State: "running", StdoutBuffered: 5},
		{ID: 3, Name: "tail", PID: 101, State: "stopping"},
	}}
	rec := doGet(t, newTestServer(table, nil, nil), "/v1/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Jobs []jobs.JobInfo `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Jobs) != 2 || body.Jobs[0].Name != "cat" || body.Jobs[1].State != "stopping" {
		t.Fatalf("jobs = %+v", body.Jobs)
	}
}

func TestJobsSnapshotEmptyTable(t *testing.T) {
	t.Parallel()

	rec := doGet(t, newTestServer(stubTable{}, nil, nil), "/v1/jobs")
	if !strings.Contains(rec.Body.String(), `"jobs":[]`) {
		t.Fatalf("empty table should serialize as [], got %s", rec.Body.String())
	}
}

func TestRunsWithJournal(t *testing.T) {
	t.Parallel()

	history := stubHistory{runs: []journal.Run{
		{RunID: "r1", Slot: 1, Name: "cat"},
		{RunID: "r2", Slot: 2, Name: "sh"},
	}}
	rec := doGet(t, newTestServer(stubTable{}, history, nil), "/v1/runs?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Runs []journal.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].RunID != "r1" {
		t.Fatalf("runs = %+v", body.Runs)
	}
}

func TestRunsJournalDisabled(t *testing.T) {
	t.Parallel()

	rec := doGet(t, newTestServer(stubTable{}, nil, nil), "/v1/runs")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRunsBadLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(stubTable{}, stubHistory{}, nil)
	for _, limit := range []string{"0", "-5", "9999", "abc"} {
		rec := doGet(t, s, "/v1/runs?limit="+limit)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit %q: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestRunsJournalError(t *testing.T) {
	t.Parallel()

	s := newTestServer(stubTable{}, stubHistory{err: errors.New("db locked")}, nil)
	rec := doGet(t, s, "/v1/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestEventsStreamReplayAndLive(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.TypeJobStarted, events.JobEvent{ID: 1, Name: "cat"})
	hub.Publish(events.TypeJobOutput, events.OutputEvent{ID: 1, Stdout: "hi"})

	s := newTestServer(stubTable{}, nil, hub)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Routes().ServeHTTP(rec, req)
		close(done)
	}()

	// Let replay finish and the subscription attach, then publish live.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(events.TypeJobExited, events.JobEvent{ID: 1, ExitCode: 0})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop on context cancel")
	}

	body := rec.Body.String()
	if strings.Contains(body, events.TypeJobStarted) {
		t.Fatalf("event before Last-Event-ID was replayed:\n%s", body)
	}
	if !strings.Contains(body, "id: 2") || !strings.Contains(body, events.TypeJobOutput) {
		t.Fatalf("replayed event missing:\n%s", body)
	}
	if !strings.Contains(body, events.TypeJobExited) {
		t.Fatalf("live event missing:\n%s", body)
	}
}
