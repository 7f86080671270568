package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

type fakeInference struct {
	err      error
	notified []uint64
}

func (f *fakeInference) Infer(_ context.Context, req inference.Request) (inference.Response, error) {
	if f.err != nil {
		return inference.Response{}, f.err
	}
	out := inference.Response{ServedVersion: 3}
	for range req.Observations {
		out.Samples = append(out.Samples, inference.Sample{Action: shard.Int64s(1), LogProb: -0.7})
	}
	return out, nil
}

func (f *fakeInference) NotifyTarget(_ context.Context, mv version.ModelVersion) error {
	f.notified = append(f.notified, mv.Version)
	return nil
}

func (f *fakeInference) Status() inference.Status { return inference.Status{ID: "inf-0"} }

type fakeLearner struct {
	err error
	got []*shard.TrajectoryShard
}

func (f *fakeLearner) TryIngest(s *shard.TrajectoryShard) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, s)
	return nil
}

func (f *fakeLearner) Credits() int                   { return 7 }
func (f *fakeLearner) Stats() learner.Stats           { return learner.Stats{Updates: 2} }
func (f *fakeLearner) Streams() []learner.StreamStats { return nil }

func newTestServer(t *testing.T, inf InferenceBackend, lrn LearnerBackend) (*coordinator.Coordinator, *httptest.Server) {
	t.Helper()
	coord := coordinator.New(coordinator.Options{}, nil, nil, zap.NewNop())
	h := NewHandler(coord, inf, lrn, nil, zap.NewNop())
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return coord, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("got status %d, want %d", resp.StatusCode, want)
	}
}

func TestHealthListsRoles(t *testing.T) {
	_, ts := newTestServer(t, nil, &fakeLearner{})
	var body struct {
		Roles []string `json:"roles"`
	}
	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &body)
	if len(body.Roles) != 2 || body.Roles[0] != "coordinator" || body.Roles[1] != "learner" {
		t.Errorf("got roles %v", body.Roles)
	}
	resp = postJSON(t, ts, "/api/inference/infer", inference.Request{})
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestPublishAndReject(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := getJSON(t, ts, "/api/coordinator/version")
	expectStatus(t, resp, http.StatusNotFound)
	var eb ErrorBody
	decodeJSON(t, resp, &eb)
	if !errors.Is(eb.Err(), faults.ErrNoVersion) {
		t.Errorf("got %v, want ErrNoVersion", eb.Err())
	}

	resp = postJSON(t, ts, "/api/coordinator/register", RegisterRequest{ID: "inf-0", Role: coordinator.RoleInference, Endpoint: "http://x"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	mv := version.ModelVersion{Version: 12, WeightRef: "mem://12", Precision: version.FullPrecision()}
	resp = postJSON(t, ts, "/api/coordinator/publish", mv)
	expectStatus(t, resp, http.StatusOK)
	var ack coordinator.Ack
	decodeJSON(t, resp, &ack)
	if ack.Version != 12 || len(ack.SwapTargets) != 1 {
		t.Errorf("got ack %+v", ack)
	}

	resp = postJSON(t, ts, "/api/coordinator/publish", mv)
	expectStatus(t, resp, http.StatusConflict)
	decodeJSON(t, resp, &eb)
	if eb.Reason != "duplicate" || eb.Current != 12 {
		t.Errorf("got %+v", eb)
	}
	var rej *faults.StaleVersionRejected
	if !errors.As(eb.Err(), &rej) || !errors.Is(eb.Err(), faults.ErrDuplicateVersion) {
		t.Errorf("error body does not round-trip: %v", eb.Err())
	}

	mv.Version = 11
	resp = postJSON(t, ts, "/api/coordinator/publish", mv)
	expectStatus(t, resp, http.StatusConflict)
	decodeJSON(t, resp, &eb)
	if eb.Reason != "out_of_order" {
		t.Errorf("got reason %q", eb.Reason)
	}

	resp = getJSON(t, ts, "/api/coordinator/versions/12")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = getJSON(t, ts, "/api/coordinator/versions/99")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestHeartbeatAndAck(t *testing.T) {
	coord, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/api/coordinator/heartbeat", HeartbeatRequest{ID: "ghost"})
	expectStatus(t, resp, http.StatusNotFound)
	var eb ErrorBody
	decodeJSON(t, resp, &eb)
	if !errors.Is(eb.Err(), faults.ErrUnknownComponent) {
		t.Errorf("got %v", eb.Err())
	}

	postJSON(t, ts, "/api/coordinator/register", RegisterRequest{ID: "inf-0", Role: coordinator.RoleInference}).Body.Close()
	resp = postJSON(t, ts, "/api/coordinator/heartbeat", HeartbeatRequest{ID: "inf-0"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/coordinator/ack", AckRequest{ID: "inf-0", Version: 4})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := coord.Components()[0].ServedVersion; got != 4 {
		t.Errorf("got served version %d, want 4", got)
	}

	var info coordinator.RunInfo
	resp = getJSON(t, ts, "/api/coordinator/runinfo")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &info)
	if len(info.InferenceEndpoints) != 1 {
		t.Errorf("got %+v", info)
	}
}

func TestRegisterValidates(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	resp := postJSON(t, ts, "/api/coordinator/register", RegisterRequest{ID: "x", Role: "janitor"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestInferErrors(t *testing.T) {
	inf := &fakeInference{}
	_, ts := newTestServer(t, inf, nil)

	req := inference.Request{Observations: []shard.Tensor{shard.Float64s(1, 2)}}
	resp := postJSON(t, ts, "/api/inference/infer", req)
	expectStatus(t, resp, http.StatusOK)
	var out inference.Response
	decodeJSON(t, resp, &out)
	if out.ServedVersion != 3 || len(out.Samples) != 1 {
		t.Errorf("got %+v", out)
	}

	inf.err = faults.ErrInferenceUnavailable
	resp = postJSON(t, ts, "/api/inference/infer", req)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	inf.err = faults.ErrVersionNotServed
	resp = postJSON(t, ts, "/api/inference/infer", req)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/inference/notify", version.ModelVersion{Version: 5, WeightRef: "mem://5"})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	if len(inf.notified) != 1 || inf.notified[0] != 5 {
		t.Errorf("got notified %v", inf.notified)
	}
}

func TestIngestShard(t *testing.T) {
	lrn := &fakeLearner{}
	_, ts := newTestServer(t, nil, lrn)
	s := shard.TrajectoryShard{
		ActorID: "a", EnvironmentID: "e", Sequence: 3,
		Turns: []shard.Turn{{Observation: shard.Float64s(1), Action: shard.Int64s(0), PolicyVersion: 1}},
	}

	resp := postJSON(t, ts, "/api/learner/shards", s)
	expectStatus(t, resp, http.StatusAccepted)
	if resp.Header.Get("X-Credits") != "7" {
		t.Errorf("got credits header %q", resp.Header.Get("X-Credits"))
	}
	resp.Body.Close()
	if len(lrn.got) != 1 || lrn.got[0].Sequence != 3 {
		t.Fatalf("got %v", lrn.got)
	}

	lrn.err = faults.ErrQueueFull
	resp = postJSON(t, ts, "/api/learner/shards", s)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	resp.Body.Close()

	lrn.err = shard.ErrStreamClosed
	resp = postJSON(t, ts, "/api/learner/shards", s)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/learner/shards", shard.TrajectoryShard{ActorID: "a"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
