package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/models"
)

// fakeBackend implements Backend for testing.
type fakeBackend struct {
	spend   models.SpendStatus
	jobs    map[string]models.JobStatus
	replay  models.ReplayResult
	queue   []models.QueueEntry
	email   models.EmailStats
	err     error
	replays int
}

func (f *fakeBackend) GetSpendStatus(context.Context) (models.SpendStatus, error) {
	return f.spend, f.err
}

func (f *fakeBackend) GetJobStatus(_ context.Context, id string) (models.JobStatus, error) {
	if st, ok := f.jobs[id]; ok {
		return st, nil
	}
	return models.JobStatus{JobID: id, State: models.StatePending}, f.err
}

func (f *fakeBackend) ReplayNow(context.Context) (models.ReplayResult, error) {
	f.replays++
	return f.replay, f.err
}

func (f *fakeBackend) PendingJobs(context.Context) ([]models.QueueEntry, error) {
	return f.queue, f.err
}

func (f *fakeBackend) EmailStats(context.Context) (models.EmailStats, error) {
	return f.email, f.err
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	call := ToolCallParams{Name: name}
	if args != "" {
		call.Arguments = json.RawMessage(args)
	}
	params, _ := json.Marshal(call)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func newTestServer(b *fakeBackend) *Server {
	return New(b, "test", zerolog.Nop())
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(&fakeBackend{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	_ = json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "spendguard" {
		t.Errorf("server name = %s, want spendguard", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(&fakeBackend{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	_ = json.Unmarshal(data, &result)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
	for _, want := range []string{"spendguard_spend_status", "spendguard_job_status", "spendguard_replay", "spendguard_email_stats"} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
}

func TestToolCallSpendStatus(t *testing.T) {
	srv := newTestServer(&fakeBackend{spend: models.SpendStatus{
		Date: "2026-03-14", SpentUSD: 8.1, SoftCapUSD: 8, HardCapUSD: 10, QueuedCount: 2,
	}})

	text := callTool(t, srv, "spendguard_spend_status", "").Content[0].Text
	for _, want := range []string{"$8.1000", "81.0%", "soft cap reached", "Queued:   2"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got: %s", want, text)
		}
	}
}

func TestToolCallJobStatus(t *testing.T) {
	cost := 0.0061
	srv := newTestServer(&fakeBackend{jobs: map[string]models.JobStatus{
		"job-7": {JobID: "job-7", State: models.StateDone, ActualCostUSD: &cost, Result: "captions ready"},
	}})

	text := callTool(t, srv, "spendguard_job_status", `{"job_id":"job-7"}`).Content[0].Text
	if !strings.Contains(text, "done") || !strings.Contains(text, "$0.0061") {
		t.Errorf("unexpected job output: %s", text)
	}

	res := callTool(t, srv, "spendguard_job_status", `{}`)
	if !res.IsError {
		t.Error("expected isError=true for missing job_id")
	}
}

func TestToolCallReplay(t *testing.T) {
	b := &fakeBackend{replay: models.ReplayResult{Processed: 1, Remaining: 3, Stopped: true, Reason: "soft cap reached"}}
	srv := newTestServer(b)

	text := callTool(t, srv, "spendguard_replay", "").Content[0].Text
	if b.replays != 1 {
		t.Errorf("replay called %d times, want 1", b.replays)
	}
	if !strings.Contains(text, "1 processed") || !strings.Contains(text, "Stopped: soft cap reached") {
		t.Errorf("unexpected replay output: %s", text)
	}
}

func TestToolCallQueue(t *testing.T) {
	srv := newTestServer(&fakeBackend{})
	if text := callTool(t, srv, "spendguard_queue", "").Content[0].Text; text != "No queued jobs." {
		t.Errorf("unexpected empty queue output: %s", text)
	}

	srv = newTestServer(&fakeBackend{queue: []models.QueueEntry{
		{JobID: "job-a", Reason: models.ReasonHardCap, QueuedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
	}})
	text := callTool(t, srv, "spendguard_queue", "").Content[0].Text
	if !strings.Contains(text, "job-a") || !strings.Contains(text, "hard_cap") {
		t.Errorf("unexpected queue output: %s", text)
	}
}

func TestToolCallEmailStats(t *testing.T) {
	srv := newTestServer(&fakeBackend{email: models.EmailStats{Date: "2026-03-14", TodayCount: 120, DailyCap: 300, HourCount: 50, HourlyCap: 50}})
	text := callTool(t, srv, "spendguard_email_stats", "").Content[0].Text
	if !strings.Contains(text, "120 / 300") || !strings.Contains(text, "50 / 50") {
		t.Errorf("unexpected email output: %s", text)
	}
}

func TestToolCallBackendError(t *testing.T) {
	srv := newTestServer(&fakeBackend{err: errors.New("kv get: connection refused")})
	res := callTool(t, srv, "spendguard_spend_status", "")
	if !res.IsError || !strings.Contains(res.Content[0].Text, "connection refused") {
		t.Errorf("expected error result, got %+v", res)
	}
}

func TestUnknownTool(t *testing.T) {
	res := callTool(t, newTestServer(&fakeBackend{}), "spendguard_launch_rockets", "")
	if !res.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := newTestServer(&fakeBackend{})

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(&fakeBackend{})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestParseError(t *testing.T) {
	var out bytes.Buffer
	_ = newTestServer(&fakeBackend{}).Run(context.Background(), strings.NewReader("{not json\n"), &out)

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}
