package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/redisbroker"
	"github.com/mohans/coursenotify/internal/gate"
	"github.com/mohans/coursenotify/internal/notify"
)

type fakeReady struct{ ok atomic.Bool }

func (f *fakeReady) Ready() bool { return f.ok.Load() }
func (f *fakeReady) Report() []gate.Status {
	st := gate.StateStarting
	if f.ok.Load() {
		st = gate.StateHealthy
	}
	return []gate.Status{{Name: "broker", State: st}}
}

type env struct {
	srv    *httptest.Server
	broker asyncx.Broker
	client *asyncx.Client
	ready  *fakeReady
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisbroker.New(rdb, redisbroker.Options{})
	client := asyncx.NewClient(broker, asyncx.MustRouter(notify.DefaultRoutes()), asyncx.ClientOptions{MaxAttempts: 2})
	ready := &fakeReady{}
	ready.ok.Store(true)
	s := New(client, notify.NewProducer(client), ready, cfg, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = client.Close()
	})
	return &env{srv: srv, broker: broker, client: client, ready: ready}
}

func (e *env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestSubmitAndGet(t *testing.T) {
	e := newEnv(t, Config{})
	code, body := e.do(t, http.MethodPost, "/v1/jobs", `{"kind":"notify.enrollment","payload":{"chat_id":5,"course_id":1,"course_name":"Go"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", code, body)
	}
	var sub submitResponse
	if err := json.Unmarshal(body, &sub); err != nil || sub.ID == "" {
		t.Fatalf("submit body %s: %v", body, err)
	}

	code, body = e.do(t, http.MethodGet, "/v1/jobs/"+sub.ID, "")
	if code != http.StatusOK {
		t.Fatalf("get = %d %s", code, body)
	}
	var job asyncx.Envelope
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != asyncx.StatusPending || job.Queue != notify.QueueNotifications || job.Kind != notify.KindEnrollment {
		t.Errorf("job = %+v", job)
	}
}

func TestSubmitRejections(t *testing.T) {
	e := newEnv(t, Config{})
	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"malformed", `{`, 400, "BAD_REQUEST"},
		{"missing kind", `{"payload":{}}`, 400, "VALIDATION_ERROR"},
		{"unknown kind", `{"kind":"nope","payload":{}}`, 400, "UNKNOWN_KIND"},
		{"invalid payload", `{"kind":"notify.message","payload":{"chat_id":1}}`, 400, "INVALID_PAYLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodPost, "/v1/jobs", tt.body)
			if code != tt.code || !bytes.Contains(body, []byte(tt.want)) {
				t.Errorf("got %d %s, want %d %s", code, body, tt.code, tt.want)
			}
		})
	}
}

func TestNotifyEndpoint(t *testing.T) {
	e := newEnv(t, Config{})
	code, body := e.do(t, http.MethodPost, "/v1/notify", `{"chat_id":42,"text":"room changed"}`)
	if code != http.StatusAccepted {
		t.Fatalf("notify = %d %s", code, body)
	}
	var sub submitResponse
	_ = json.Unmarshal(body, &sub)
	job, err := e.client.Job(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != notify.KindMessage || !strings.Contains(string(job.Payload), `"chat_id":42`) {
		t.Errorf("job = %+v payload %s", job, job.Payload)
	}
}

func TestGetUnknownJob(t *testing.T) {
	e := newEnv(t, Config{})
	if code, _ := e.do(t, http.MethodGet, "/v1/jobs/missing", ""); code != http.StatusNotFound {
		t.Errorf("code = %d", code)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	id, err := e.client.Submit(ctx, notify.KindMessage, notify.MessagePayload{ChatID: 1, Text: "x"}, asyncx.MaxAttempts(1))
	if err != nil {
		t.Fatal(err)
	}
	lease, err := e.broker.Lease(ctx, notify.QueueNotifications, "test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.broker.DeadLetter(ctx, lease, "chat not found"); err != nil {
		t.Fatal(err)
	}

	code, body := e.do(t, http.MethodGet, "/v1/queues/notifications/dead", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(id)) || !bytes.Contains(body, []byte(`"count":1`)) {
		t.Fatalf("dead list = %d %s", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/queues/notifications/dead?limit=0", ""); code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d", code)
	}

	code, body = e.do(t, http.MethodPost, "/v1/jobs/"+id+"/replay", "")
	if code != http.StatusCreated {
		t.Fatalf("replay = %d %s", code, body)
	}
	var replay submitResponse
	_ = json.Unmarshal(body, &replay)
	if replay.ID == "" || replay.ID == id {
		t.Errorf("replay id = %q", replay.ID)
	}

	if code, _ := e.do(t, http.MethodDelete, "/v1/jobs/"+id, ""); code != http.StatusNoContent {
		t.Fatalf("purge = %d", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/v1/jobs/"+id, ""); code != http.StatusConflict {
		t.Errorf("second purge = %d, want 409", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/v1/jobs/"+replay.ID+"/replay", ""); code != http.StatusConflict {
		t.Errorf("replay of pending job = %d, want 409", code)
	}
}

func TestNotReadyRefusesSubmissions(t *testing.T) {
	e := newEnv(t, Config{})
	e.ready.ok.Store(false)

	code, body := e.do(t, http.MethodPost, "/v1/notify", `{"chat_id":1,"text":"x"}`)
	if code != http.StatusServiceUnavailable || !bytes.Contains(body, []byte("NOT_READY")) {
		t.Errorf("submit while not ready = %d %s", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/readyz", ""); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}

	e.ready.ok.Store(true)
	code, body = e.do(t, http.MethodGet, "/readyz", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"healthy"`)) {
		t.Errorf("readyz = %d %s", code, body)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Config{RateLimit: 2, RateWindow: time.Minute})
	for i := range 2 {
		if code, _ := e.do(t, http.MethodGet, "/v1/jobs/x", ""); code != http.StatusNotFound {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/jobs/x", ""); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, Config{})
	e.do(t, http.MethodGet, "/healthz", "")
	code, body := e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte("notifyd_api_requests_total")) {
		t.Errorf("metrics = %d", code)
	}
}
