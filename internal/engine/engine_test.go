package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"sqs/internal/config"
	"sqs/internal/db"
	"sqs/internal/digest"
	"sqs/internal/domain"
	"sqs/internal/engine"
	"sqs/internal/geom"
	"sqs/internal/migrate"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

const regionsLayer = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"region":"Region A"},
  "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
 {"type":"Feature","properties":{"region":"Region B"},
  "geometry":{"type":"Polygon","coordinates":[[[2,0],[3,0],[3,1],[2,1],[2,0]]]}}]}`

type fakeLayers struct {
	err   error
	calls int
}

func (f *fakeLayers) GetLayer(_ context.Context, name, _ string) (domain.LayerInfo, *geom.FeatureTable, error) {
	f.calls++
	if f.err != nil {
		return domain.LayerInfo{}, nil, f.err
	}
	t, err := geom.ParseFeatureCollection([]byte(regionsLayer))
	return domain.LayerInfo{Name: name, Version: 1, CRS: t.CRS}, t, err
}

type testEnv struct {
	Engine engine.Engine
	Layers *fakeLayers
	Clock  *time.Time
	Ctx    context.Context
}

func (env testEnv) advance(d time.Duration) { *env.Clock = env.Clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Query.TimeZone = "Australia/Perth"
	src := &fakeLayers{}
	eng := engine.New(conn, cfg, src)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	eng.Logger = log.New(io.Discard, "", 0)
	return testEnv{Engine: eng, Layers: src, Clock: &clock, Ctx: context.Background()}
}

func payload(appID int, currentTS string) []byte {
	ts := ""
	if currentTS != "" {
		ts = fmt.Sprintf(`,"current_ts":%q`, currentTS)
	}
	return []byte(fmt.Sprintf(`{
  "system": "DAS",
  "requester": "alice@example.com",
  "proposal": {"id": %d%s, "schema": [
    {"name": "region", "label": "Which region?", "type": "radiobuttons",
     "options": [{"label": "Region A", "value": "a"}, {"label": "Region B", "value": "b"}]}
  ]},
  "geojson": {"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {},
    "geometry": {"type": "Polygon", "coordinates": [[[0.2,0.2],[0.4,0.2],[0.4,0.4],[0.2,0.4],[0.2,0.2]]]}}]},
  "masterlist_questions": [{"question_group": "Which region?", "questions": [
    {"question": "Which region?", "answer_mlq": "Region A", "how": "Overlapping", "column_name": "region",
     "operator": "IsNotNull", "layer": {"layer_name": "regions"}, "visible_to_proponent": true}
  ]}]
}`, appID, ts))
}

func TestEnqueueUpsertKeepsOneCreatedTask(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Status != "created" || first.Position != 0 || first.Task.Requester != "alice@example.com" {
		t.Fatalf("first %+v", first)
	}
	env.advance(time.Minute)
	second, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "2024-01-01"), Priority: domain.PriorityHigh, Requester: "bob"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second.Status != "updated" || second.Task.ID != first.Task.ID {
		t.Fatalf("second %+v", second)
	}
	if second.Task.Priority != domain.PriorityHigh || second.Task.Requester != "bob" {
		t.Fatalf("upsert did not refresh fields: %+v", second.Task)
	}
	if *second.Task.RequestLogID == *first.Task.RequestLogID {
		t.Fatalf("upsert must point at the new request log")
	}
	queue, err := env.Engine.Queue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 {
		t.Fatalf("queue length %d", len(queue))
	}
}

func TestQueuePositionFollowsPriority(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	b, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(2, "")})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	c, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(3, ""), Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if c.Position != 0 {
		t.Fatalf("high priority task position %d", c.Position)
	}
	want := map[string]int{c.Task.ID: 0, a.Task.ID: 1, b.Task.ID: 2}
	for id, pos := range want {
		v, err := env.Engine.TaskDetails(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if v.Position == nil || *v.Position != pos {
			t.Fatalf("task %s position %v, want %d", id, v.Position, pos)
		}
	}

	// Tasks older than queue.stale_tasks_days drop out of the live queue.
	env.advance(3 * 24 * time.Hour)
	v, err := env.Engine.TaskDetails(env.Ctx, a.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Position != nil {
		t.Fatalf("stale task still has position %d", *v.Position)
	}
}

func TestEnqueueRejectsRunningProposal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(7, "")}); err != nil {
		t.Fatal(err)
	}
	task, ok, err := env.Engine.ClaimNext(env.Ctx)
	if err != nil || !ok || task.Status != domain.TaskRunning || task.StartTime == nil {
		t.Fatalf("claim %+v ok=%v err=%v", task, ok, err)
	}
	_, err = env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(7, "")})
	var conflict engine.QueueConflictError
	if !errors.As(err, &conflict) || conflict.AppID != 7 {
		t.Fatalf("expected QueueConflictError, got %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester"); !errors.As(err, &conflict) {
		t.Fatalf("running task must not be cancellable, got %v", err)
	}
}

func TestRunNextCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(90 * time.Second)
	task, ok, err := env.Engine.RunNext(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("run next: ok=%v err=%v", ok, err)
	}
	if task.Status != domain.TaskCompleted || task.EndTime == nil {
		t.Fatalf("task %+v", task)
	}
	rl, err := env.Engine.Repo.GetRequestLog(env.Ctx, nil, *res.Task.RequestLogID)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		System string           `json:"system"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(rl.ResponseJSON), &doc); err != nil {
		t.Fatalf("stored response: %v", err)
	}
	if doc.System != "DAS" || doc.Data[0]["region"] != "a" {
		t.Fatalf("response %s", rl.ResponseJSON)
	}
	if _, ok, err := env.Engine.RunNext(env.Ctx); ok || err != nil {
		t.Fatalf("queue should be empty: ok=%v err=%v", ok, err)
	}
}

func TestRunTaskRetriesUntilMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Queue.MaxRetries = 2
	env.Layers.err = fmt.Errorf("fetch regions: %w", context.DeadlineExceeded)
	if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")}); err != nil {
		t.Fatal(err)
	}
	task, _, err := env.Engine.RunNext(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskCreated || task.Retries != 1 || !strings.Contains(task.Stderr, "deadline") {
		t.Fatalf("after first failure %+v", task)
	}
	task, _, err = env.Engine.RunNext(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskMaxRetries || task.Retries != 2 {
		t.Fatalf("after second failure %+v", task)
	}
}

func TestRetrySupersededByNewerTask(t *testing.T) {
	env := newTestEnv(t)
	env.Layers.err = fmt.Errorf("fetch regions: %w", context.DeadlineExceeded)
	if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")}); err != nil {
		t.Fatal(err)
	}
	running, _, err := env.Engine.ClaimNext(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	now := domain.FormatTime(*env.Clock)
	if err := env.Engine.Repo.InsertTask(env.Ctx, nil, domain.Task{
		ID: "newer", AppID: 1, System: "DAS", Status: domain.TaskCreated, Priority: domain.PriorityNormal,
		Created: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.RunTask(env.Ctx, running)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("superseded task status %s", task.Status)
	}
}

func TestClaimNextExpiresLongWaits(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Queue.MaxQueueTime = time.Hour
	old, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)
	fresh, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(2, "")})
	if err != nil {
		t.Fatal(err)
	}
	task, ok, err := env.Engine.ClaimNext(env.Ctx)
	if err != nil || !ok || task.ID != fresh.Task.ID {
		t.Fatalf("claimed %+v ok=%v err=%v", task, ok, err)
	}
	expired, err := env.Engine.Repo.GetTask(env.Ctx, nil, old.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if expired.Status != domain.TaskMaxQueueTime {
		t.Fatalf("old task status %s", expired.Status)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CancelTask(env.Ctx, res.Task.ID, "tester")
	if err != nil || task.Status != domain.TaskCancelled {
		t.Fatalf("cancel %+v %v", task, err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	again, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil || again.Status != "created" || again.Task.ID == res.Task.ID {
		t.Fatalf("enqueue after cancel %+v %v", again, err)
	}
}

func TestSpatialQueryServesCachedResponse(t *testing.T) {
	env := newTestEnv(t)
	// 07:00 in Perth is 23:00 UTC the day before, earlier than the clock.
	first, err := env.Engine.SpatialQuery(env.Ctx, payload(5, "2024-01-01 07:00:00"), "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if first.Cached || env.Layers.calls != 1 {
		t.Fatalf("first query cached=%v calls=%d", first.Cached, env.Layers.calls)
	}
	second, err := env.Engine.SpatialQuery(env.Ctx, payload(5, "2024-01-01 07:00:00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || string(second.Response) != string(first.Response) || env.Layers.calls != 1 {
		t.Fatalf("second query cached=%v calls=%d", second.Cached, env.Layers.calls)
	}
	// 09:00 in Perth is after the stored request.
	third, err := env.Engine.SpatialQuery(env.Ctx, payload(5, "2024-01-01 09:00:00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if third.Cached || env.Layers.calls != 2 {
		t.Fatalf("changed proposal served from cache")
	}
	if env.Engine.Dedup.Held() != 0 {
		t.Fatalf("dedup lock leaked")
	}
}

func TestSpatialQueryRejectsDuplicateInFlight(t *testing.T) {
	env := newTestEnv(t)
	p := payload(5, "")
	key, err := digest.JCS(p)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Engine.Dedup.Acquire(key) {
		t.Fatal("acquire")
	}
	_, err = env.Engine.SpatialQuery(env.Ctx, p, "")
	var conflict engine.QueueConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	env.Engine.Dedup.Release(key)
	if _, err := env.Engine.SpatialQuery(env.Ctx, p, ""); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestSpatialQueryReleasesDedupOnEvaluationError(t *testing.T) {
	env := newTestEnv(t)
	p := []byte(strings.Replace(string(payload(6, "")), `"type": "radiobuttons",`, "", 1))
	for i := 0; i < 2; i++ {
		_, err := env.Engine.SpatialQuery(env.Ctx, p, "")
		var malformed prefill.SchemaMalformedError
		if !errors.As(err, &malformed) {
			t.Fatalf("attempt %d: expected malformed schema, got %v", i, err)
		}
		var conflict engine.QueueConflictError
		if errors.As(err, &conflict) {
			t.Fatalf("attempt %d: retry rejected as in flight", i)
		}
		if env.Engine.Dedup.Held() != 0 {
			t.Fatalf("attempt %d: dedup lock leaked", i)
		}
	}
}

func TestSpatialQueryRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SpatialQuery(env.Ctx, []byte(`{"proposal":{"id":1}}`), "")
	var reqErr engine.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
}

func TestSingleQueryAndRequestDetails(t *testing.T) {
	env := newTestEnv(t)
	p := []byte(`{"system":"DAS","proposal":{"id":9},"question":"Region","widget_type":"text",
"geojson":{"type":"Polygon","coordinates":[[[0.2,0.2],[0.4,0.2],[0.4,0.4],[0.2,0.4],[0.2,0.2]]]},
"cddp_info":[{"question":"Region","how":"Overlapping","column_name":"region","operator":"IsNotNull",
 "layer":{"layer_name":"regions"},"visible_to_proponent":true,"proponent_items":[{"prefix":"In","answer":"region"}]}]}`)
	res, err := env.Engine.SingleQuery(env.Ctx, p, "tester")
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	if len(res.ProponentAnswer) != 1 || res.ProponentAnswer[0] != "In Region A" {
		t.Fatalf("single response %+v", res)
	}
	rl, err := env.Engine.LatestLog(env.Ctx, "DAS", 9, domain.RequestSingle, true)
	if err != nil {
		t.Fatal(err)
	}
	if rl.DataJSON != "" || rl.ResponseJSON != "" {
		t.Fatalf("timestamp-only log carries payloads")
	}
	details, err := env.Engine.RequestDetails(env.Ctx, rl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.Layers) != 1 || len(details.MissingLayers) != 1 || details.MissingLayers[0] != "regions" {
		t.Fatalf("details %+v", details)
	}
}

func TestEventsRecordTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Payload: payload(1, "")})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.RunNext(env.Ctx); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "task", res.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	if len(types) != 3 || types[2] != "task.enqueued" {
		t.Fatalf("events %v", types)
	}
}

func TestDedupExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := engine.NewDedup(time.Minute)
	d.Now = func() time.Time { return now }
	if !d.Acquire("k") || d.Acquire("k") {
		t.Fatalf("second acquire must fail")
	}
	now = now.Add(2 * time.Minute)
	if !d.Acquire("k") {
		t.Fatalf("expired lock should be re-acquirable")
	}
	d.Release("k")
	if d.Held() != 0 {
		t.Fatalf("held %d", d.Held())
	}
}
