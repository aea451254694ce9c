package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/metrics"
	"taskgrid/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

var actor = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func requireErrorCode(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	require.Equal(t, code, decode[errorEnvelope](t, data).Error.Code)
}

func createTask(t *testing.T, s *testServer, name string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks", map[string]any{"task_name": name}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[TaskResponse](t, data)
}

func TestHealthWithoutAuth(t *testing.T) {
	s := newTestServer(t, nil)
	res, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "ok")
}

func TestMutationsNeedActor(t *testing.T) {
	s := newTestServer(t, nil)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks", map[string]any{"task_name": "x"}, nil)
	requireErrorCode(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	requireErrorCode(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestBearerTokenActor(t *testing.T) {
	s := newTestServer(t, nil)
	token, err := SignToken(testSecret, "robot", []string{"operator"}, time.Hour)
	require.NoError(t, err)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks",
		map[string]any{"task_name": "Signed"},
		map[string]string{"Authorization": "Bearer " + token, "X-Actor-Id": "ignored"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	task := decode[TaskResponse](t, data)
	require.Equal(t, "robot", task.CreateBy)
	require.Equal(t, "robot", task.ModifyBy)
}

func TestDecomposeExecuteAndDelete(t *testing.T) {
	s := newTestServer(t, nil)
	task := createTask(t, s, "Nightly Sync")
	require.Equal(t, "pending", task.TaskState)
	require.NotEmpty(t, task.ConcurrencyStamp)

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks/"+task.ID+"/units",
		map[string]any{"unit_name": "Extract", "task_unit_mode": "parallel"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	unit := decode[UnitResponse](t, data)
	require.Equal(t, task.ID, unit.TaskID)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/units/"+unit.ID+"/targets",
		map[string]any{"target_name": "web-1", "target_type": "host", "target_id": "10.0.0.1"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	target := decode[TargetResponse](t, data)
	require.Equal(t, "pending", target.TargetState)
	require.Nil(t, target.ExecuteTime)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/targets/"+target.ID+"/execute",
		map[string]any{"concurrency_stamp": target.ConcurrencyStamp}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	target = decode[TargetResponse](t, data)
	require.Equal(t, "executing", target.TargetState)
	require.NotNil(t, target.ExecuteTime)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/targets/"+target.ID+"/result",
		map[string]any{"concurrency_stamp": target.ConcurrencyStamp, "state": "succeeded"}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	target = decode[TargetResponse](t, data)
	require.Equal(t, "ok", target.TaskStatus)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/units/"+unit.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, "completed", decode[UnitResponse](t, data).TaskUnitState)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/tasks/"+task.ID+"/progress", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	progress := decode[ProgressResponse](t, data)
	require.Equal(t, 1, progress.Total)

	res, data = doJSON(t, s.Client(), http.MethodDelete, s.URL+"/v1/tasks/"+task.ID+"?hard=true", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, DeleteResponse{Tasks: 1, Units: 1, Targets: 1}, decode[DeleteResponse](t, data))

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/targets/"+target.ID+"?include_removed=true", nil, actor)
	requireErrorCode(t, res, data, http.StatusNotFound, "not_found")
}

func TestConflictsOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	task := createTask(t, s, "Nightly Sync")

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks", map[string]any{"task_name": "  NIGHTLY sync"}, actor)
	requireErrorCode(t, res, data, http.StatusConflict, "duplicate_name")

	res, data = doJSON(t, s.Client(), http.MethodPatch, s.URL+"/v1/tasks/"+task.ID,
		map[string]any{"concurrency_stamp": "stale", "description": "x"}, actor)
	requireErrorCode(t, res, data, http.StatusConflict, "concurrency_conflict")

	res, data = doJSON(t, s.Client(), http.MethodPatch, s.URL+"/v1/tasks/"+task.ID,
		map[string]any{"concurrency_stamp": task.ConcurrencyStamp, "partition": 7}, actor)
	requireErrorCode(t, res, data, http.StatusBadRequest, "immutable_field")

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks/"+task.ID+"/state",
		map[string]any{"concurrency_stamp": task.ConcurrencyStamp, "state": "completed"}, actor)
	requireErrorCode(t, res, data, http.StatusConflict, "invalid_state_transition")

	res, data = doJSON(t, s.Client(), http.MethodPatch, s.URL+"/v1/tasks/"+task.ID,
		map[string]any{"concurrency_stamp": task.ConcurrencyStamp, "description": "fresh"}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	updated := decode[TaskResponse](t, data)
	require.NotEqual(t, task.ConcurrencyStamp, updated.ConcurrencyStamp)

	// the old stamp is spent
	res, data = doJSON(t, s.Client(), http.MethodDelete, s.URL+"/v1/tasks/"+task.ID+"?stamp="+task.ConcurrencyStamp, nil, actor)
	requireErrorCode(t, res, data, http.StatusConflict, "concurrency_conflict")

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/tasks/not-a-uuid", nil, actor)
	requireErrorCode(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestMissingParentIsForeignKeyViolation(t *testing.T) {
	s := newTestServer(t, nil)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks",
		map[string]any{"task_name": "orphan", "parent_id": "6f1c2a52-1c1b-4d59-9a43-2c0a4b1f8a11"}, actor)
	requireErrorCode(t, res, data, http.StatusUnprocessableEntity, "foreign_key_violation")
}

func TestListTasksPages(t *testing.T) {
	s := newTestServer(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		createTask(t, s, name)
	}
	res, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/tasks?limit=2", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[paginatedTasks](t, data)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/tasks?limit=2&cursor="+first.NextCursor, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	second := decode[paginatedTasks](t, data)
	require.Len(t, second.Items, 1)
	require.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, it := range append(first.Items, second.Items...) {
		seen[it.TaskName] = true
	}
	require.Len(t, seen, 3)
}

func TestAssignmentsAndEligibility(t *testing.T) {
	s := newTestServer(t, nil)
	task := createTask(t, s, "Deploy")
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks/"+task.ID+"/units", map[string]any{"unit_name": "Roll"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	unit := decode[UnitResponse](t, data)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/agents",
		map[string]any{"agent_name": "Runner", "agent_type": "worker", "agent_code": "runner-1"}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	agent := decode[AgentResponse](t, data)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks/"+task.ID+"/agents", map[string]any{"agent_id": agent.ID}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, decode[AssignResponse](t, data).Created)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/tasks/"+task.ID+"/agents", map[string]any{"agent_id": agent.ID}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.False(t, decode[AssignResponse](t, data).Created)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/units/"+unit.ID+"/eligible-agents", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	eligible := decode[[]AgentResponse](t, data)
	require.Len(t, eligible, 1)
	require.Equal(t, agent.ID, eligible[0].ID)

	res, _ = doJSON(t, s.Client(), http.MethodDelete, s.URL+"/v1/tasks/"+task.ID+"/agents/"+agent.ID, nil, actor)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/agents/by-code/runner-1", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, agent.ID, decode[AgentResponse](t, data).ID)
}

func TestEventsAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	task := createTask(t, s, "Audit me")

	res, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/events?entity_kind=task&entity_id="+task.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	evts := decode[paginatedEvents](t, data)
	require.NotEmpty(t, evts.Items)
	require.Equal(t, "task.created", evts.Items[0].Type)
	require.Equal(t, "tester", evts.Items[0].ActorID)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v1/events?cursor=zero", nil, actor)
	requireErrorCode(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "taskgrid_mutations_total")
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu     sync.Mutex
		got    []webhookEvent
		hdrs   []http.Header
		bodies [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(raw, &evt)
		mu.Lock()
		got = append(got, evt)
		hdrs = append(hdrs, r.Header.Clone())
		bodies = append(bodies, raw)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{URL: hook.URL, Events: []string{"task.created"}, Secret: "shh"}}
	s := newTestServer(t, cfg)
	ctx := context.Background()

	d := NewWebhookDispatcher(s.Engine, nil)
	require.NotNil(t, d)
	before := testutil.ToFloat64(metrics.DeliveryCounter("ok"))
	// first round pins the cursor at the current head
	d.DispatchAll(ctx)

	task := createTask(t, s, "Hooked")
	res, data := doJSON(t, s.Client(), http.MethodPatch, s.URL+"/v1/tasks/"+task.ID,
		map[string]any{"concurrency_stamp": task.ConcurrencyStamp, "description": "filtered out"}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "task.created", got[0].Type)
	require.Equal(t, task.ID, got[0].EntityID)
	require.Equal(t, "task.created", hdrs[0].Get("X-Taskgrid-Event"))
	require.Equal(t, "sha256="+signBody("shh", bodies[0]), hdrs[0].Get("X-Taskgrid-Signature"))
	require.Empty(t, hdrs[0].Get("X-Taskgrid-Secret"))
	require.True(t, strings.TrimSpace(hdrs[0].Get("X-Taskgrid-Delivery")) != "")
	require.Equal(t, before+1, testutil.ToFloat64(metrics.DeliveryCounter("ok")))
}

func TestNoDispatcherWithoutActiveHooks(t *testing.T) {
	off := false
	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{URL: "http://127.0.0.1:1", Enabled: &off}}
	s := newTestServer(t, cfg)
	require.Nil(t, NewWebhookDispatcher(s.Engine, nil))
}

func TestWebhookMatcher(t *testing.T) {
	tests := []struct {
		name string
		hook config.Webhook
		evt  domain.Event
		want bool
	}{
		{"empty filter", config.Webhook{}, domain.Event{Type: "unit.rollup", EntityKind: "unit"}, true},
		{"exact type", config.Webhook{Events: []string{"task.created"}}, domain.Event{Type: "task.created"}, true},
		{"other type", config.Webhook{Events: []string{"task.created"}}, domain.Event{Type: "task.updated"}, false},
		{"wildcard", config.Webhook{Events: []string{"target.*"}}, domain.Event{Type: "target.completed"}, true},
		{"wildcard miss", config.Webhook{Events: []string{"target.*"}}, domain.Event{Type: "task.created"}, false},
		{"kind", config.Webhook{EntityKinds: []string{"agent"}}, domain.Event{Type: "task.created", EntityKind: "task"}, false},
		{"partition", config.Webhook{Partitions: []int{3}}, domain.Event{Type: "task.created", Partition: 3}, true},
		{"partition miss", config.Webhook{Partitions: []int{3}}, domain.Event{Type: "task.created", Partition: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, newEventMatcher(tt.hook).matches(tt.evt))
		})
	}
}

func TestWebhookRetriesFailedEvent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		ids   []int64
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ids = append(ids, evt.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{URL: hook.URL, Events: []string{"task.*"}, Partitions: []int{2}}}
	s := newTestServer(t, cfg)
	ctx := context.Background()
	d := NewWebhookDispatcher(s.Engine, nil)
	require.NotNil(t, d)
	d.DispatchAll(ctx)

	_, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{TaskName: "elsewhere", Partition: 0, ActorID: "tester"})
	require.NoError(t, err)
	_, err = s.Engine.CreateTask(ctx, engine.TaskCreateOptions{TaskName: "here", Partition: 2, ActorID: "tester"})
	require.NoError(t, err)

	failed := testutil.ToFloat64(metrics.DeliveryCounter("failed"))
	d.DispatchAll(ctx)
	require.Equal(t, failed+1, testutil.ToFloat64(metrics.DeliveryCounter("failed")))
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
	require.Len(t, ids, 1)
}
