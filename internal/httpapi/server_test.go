package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/spartan/internal/config"
	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/node"
)

type noopDriver struct{}

func (noopDriver) Append(eventlog.Event) error               { return nil }
func (noopDriver) SaveSnapshot(eventlog.QueueSnapshot) error { return nil }
func (noopDriver) LoadQueue(string) (*eventlog.QueueSnapshot, []eventlog.Event, error) {
	return nil, nil, nil
}
func (noopDriver) QueueNames() ([]string, error) { return nil, nil }
func (noopDriver) SaveReplication(string, *eventlog.ReplicationSnapshot) error { return nil }
func (noopDriver) LoadReplication(string) (*eventlog.ReplicationSnapshot, error) {
	return nil, nil
}
func (noopDriver) Close() error { return nil }

func newTestServer(t *testing.T, queues ...string) (*node.Manager, *httptest.Server) {
	t.Helper()
	mgr := node.New(noopDriver{}, time.Now())
	for _, q := range queues {
		mgr.CreateQueue(q)
	}
	srv := New(mgr, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return mgr, ts
}

func TestPushPeekPopCycle(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"hello","max_tries":3}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/queue/jobs/peek")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 peek, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/queue/jobs/pop", "application/json", nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 pop, got %d", resp.StatusCode)
	}
	var popped messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&popped); err != nil {
		t.Fatalf("decode pop response: %v", err)
	}
	if popped.Body != "hello" || popped.Tries != 1 {
		t.Fatalf("unexpected pop response: %+v", popped)
	}
}

func TestPushUnknownQueueReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/nope", "application/json", strings.NewReader(`{"body":"x"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown queue, got %d", resp.StatusCode)
	}
}

func TestPushMissingBodyRejected(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", resp.StatusCode)
	}
}

func TestDelayedPushNotPoppable(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"x","delay_ms":900000}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/queue/jobs/pop", "application/json", nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for delayed message, got %d", resp.StatusCode)
	}
}

func TestOffsetDoesNotDelayPop(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	// A producer with a large clock offset and no delay must be
	// immediately poppable; offset corrects the producer's clock, it is
	// not an extra delay.
	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"x","offset_ms":3600000,"delay_ms":0}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/queue/jobs/pop", "application/json", nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected offset-only message to pop immediately, got %d", resp.StatusCode)
	}
}

func TestRequeueCycleHonorsTryBudget(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"x","max_tries":2}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	popOnce := func() (messageResponse, int) {
		resp, err := http.Post(ts.URL+"/queue/jobs/pop", "application/json", nil)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			return messageResponse{}, resp.StatusCode
		}
		var m messageResponse
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m, resp.StatusCode
	}
	requeue := func(id string) int {
		resp, err := http.Post(ts.URL+"/queue/jobs/"+id+"/requeue", "application/json", nil)
		if err != nil {
			t.Fatalf("requeue: %v", err)
		}
		return resp.StatusCode
	}

	first, code := popOnce()
	if code != http.StatusOK {
		t.Fatalf("expected first pop 200, got %d", code)
	}
	if code := requeue(first.ID); code != http.StatusNoContent {
		t.Fatalf("expected requeue 204, got %d", code)
	}
	second, code := popOnce()
	if code != http.StatusOK || second.ID != first.ID {
		t.Fatalf("expected same message on second pop, got code=%d id=%s", code, second.ID)
	}
	if code := requeue(second.ID); code != http.StatusNoContent {
		t.Fatalf("expected second requeue 204, got %d", code)
	}
	if _, code := popOnce(); code != http.StatusNoContent {
		t.Fatalf("expected no message after try budget spent, got %d", code)
	}
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t, "jobs")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/queue/jobs/"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", resp.StatusCode)
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	mgr, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"hello"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	q, err := mgr.Queue("jobs")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("expected size 1 before clear, got %d", q.Size())
	}

	resp, err = http.Post(ts.URL+"/queue/jobs/clear", "application/json", nil)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 clear, got %d", resp.StatusCode)
	}
	if q.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", q.Size())
	}
}

func TestPushDefaultsMaxTriesAndTimeout(t *testing.T) {
	mgr, ts := newTestServer(t, "jobs")

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"hello"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	q, err := mgr.Queue("jobs")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	msg, err := q.Pop(time.Now())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg.MaxTries != 1 {
		t.Fatalf("expected default max_tries=1, got %d", msg.MaxTries)
	}
	if msg.TimeoutMax != defaultTimeout {
		t.Fatalf("expected default timeout %v, got %v", defaultTimeout, msg.TimeoutMax)
	}
	if !msg.Expired(time.Now().Add(defaultTimeout + time.Second)) {
		t.Fatalf("expected message to become expired after default timeout elapses")
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	mgr := node.New(noopDriver{}, time.Now())
	mgr.CreateQueue("jobs")
	keys := []config.AccessKey{{Key: "secret", Queues: []string{"jobs"}}}
	srv := New(mgr, keys, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/queue/jobs", "application/json", strings.NewReader(`{"body":"x"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/queue/jobs", strings.NewReader(`{"body":"x"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with valid token, got %d", resp.StatusCode)
	}
}
