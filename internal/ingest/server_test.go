package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/dispatch"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

type recordingPublisher struct {
	published []bus.Event
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, bus.Event{Topic: topic, Key: key, Payload: payload})
	return nil
}

type fakeStatusReader struct {
	states map[string]*domain.VehicleState
}

func (r *fakeStatusReader) ReadStatus(_ context.Context, vehicleID string) (*domain.VehicleState, error) {
	st, ok := r.states[vehicleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

type fakeFleetReader struct {
	states []*domain.VehicleState
}

func (r *fakeFleetReader) ListFleetStates(context.Context, string) ([]*domain.VehicleState, error) {
	return r.states, nil
}

type fakeOps struct {
	letters []bus.DeadLetter
	read    []string
}

func (o *fakeOps) ListDeadLetters(context.Context, int) ([]bus.DeadLetter, error) {
	return o.letters, nil
}

func (o *fakeOps) MarkNotificationRead(_ context.Context, id string) error {
	if id == "missing" {
		return store.ErrNotFound
	}
	o.read = append(o.read, id)
	return nil
}

type fakeNotifier struct {
	requests []dispatch.SendRequest
}

func (n *fakeNotifier) HandleSendRequest(_ context.Context, req dispatch.SendRequest) error {
	n.requests = append(n.requests, req)
	return nil
}

type serverFixture struct {
	server    *httptest.Server
	publisher *recordingPublisher
	status    *fakeStatusReader
	fleet     *fakeFleetReader
	ops       *fakeOps
	notifier  *fakeNotifier
	now       time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		publisher: &recordingPublisher{},
		status:    &fakeStatusReader{states: make(map[string]*domain.VehicleState)},
		fleet:     &fakeFleetReader{},
		ops:       &fakeOps{},
		notifier:  &fakeNotifier{},
		now:       time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}

	validator := NewValidator()
	validator.now = func() time.Time { return f.now }

	srv := NewServer(ServerDeps{
		Validator: validator,
		Publisher: f.publisher,
		Status:    f.status,
		Fleet:     f.fleet,
		Ops:       f.ops,
		Dispatch:  f.notifier,
		Auth:      NewAuthenticator([]string{"test-key"}, nil, time.Minute),
		Registry:  prometheus.NewRegistry(),
		Metrics:   metrics.NewForTest(),
		Logger:    zerolog.Nop(),
	})
	srv.now = func() time.Time { return f.now }

	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "test-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_IngestAcceptsAndPublishes(t *testing.T) {
	f := newServerFixture(t)

	report := validReport(f.now)
	resp := f.do(t, http.MethodPost, "/positions", report)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["eventId"])

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, bus.TopicPositions, f.publisher.published[0].Topic)
	assert.Equal(t, "veh-1", f.publisher.published[0].Key)
}

func TestServer_IngestRejectsWithPerFieldErrors(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/positions", Report{RecordedAt: f.now})

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "validation failed", body["error"])
	fields, ok := body["fields"].([]interface{})
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(fields), 4, "vehicle_id, fleet_id, latitude, longitude")
	assert.Empty(t, f.publisher.published)
}

func TestServer_BulkIngestPartialSuccess(t *testing.T) {
	f := newServerFixture(t)

	bad := validReport(f.now)
	bad.Latitude = f64(400)
	resp := f.do(t, http.MethodPost, "/positions/bulk", []Report{validReport(f.now), bad})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	counts := body["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["accepted"])
	assert.Equal(t, float64(1), counts["rejected"])
	assert.Len(t, f.publisher.published, 1)
}

func TestServer_RequiresAPIKey(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/positions", bytes.NewReader(nil))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req2, err := http.NewRequest(http.MethodPost, f.server.URL+"/positions", bytes.NewReader(nil))
	require.NoError(t, err)
	req2.Header.Set("X-API-Key", "wrong")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestServer_VehicleStatus(t *testing.T) {
	f := newServerFixture(t)
	f.status.states["veh-1"] = &domain.VehicleState{
		VehicleID: "veh-1", FleetID: "fleet-1", Status: domain.StatusActive,
		LastSeen: f.now.Add(-30 * time.Second),
	}

	resp := f.do(t, http.MethodGet, "/vehicles/veh-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(domain.StatusActive), body["status"])

	resp = f.do(t, http.MethodGet, "/vehicles/ghost/status", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_FleetStatusDerivesByAge(t *testing.T) {
	f := newServerFixture(t)
	f.fleet.states = []*domain.VehicleState{
		{VehicleID: "veh-1", Status: domain.StatusActive, SpeedKmh: 40, LastSeen: f.now.Add(-30 * time.Second)},
		{VehicleID: "veh-2", Status: domain.StatusActive, SpeedKmh: 40, LastSeen: f.now.Add(-20 * time.Minute)},
	}

	resp := f.do(t, http.MethodGet, "/fleets/fleet-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	vehicles := body["vehicles"].([]interface{})
	require.Len(t, vehicles, 2)
	assert.Equal(t, string(domain.StatusActive), vehicles[0].(map[string]interface{})["status"])
	assert.Equal(t, string(domain.StatusOffline), vehicles[1].(map[string]interface{})["status"],
		"silent vehicle reads OFFLINE even before the sweeper persists it")
}

func TestServer_SendNotification(t *testing.T) {
	f := newServerFixture(t)

	req := dispatch.SendRequest{Recipients: []string{"ops-1"}, Subject: "hi", Body: "there"}
	resp := f.do(t, http.MethodPost, "/notifications/send", req)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, f.notifier.requests, 1)
	assert.Equal(t, []string{"ops-1"}, f.notifier.requests[0].Recipients)

	empty := dispatch.SendRequest{Subject: "no recipients"}
	resp2 := f.do(t, http.MethodPost, "/notifications/send", empty)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestServer_MarkNotificationRead(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/notifications/n-1/read", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"n-1"}, f.ops.read)

	resp2 := f.do(t, http.MethodPost, "/notifications/missing/read", nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_DeadLetterListing(t *testing.T) {
	f := newServerFixture(t)
	f.ops.letters = []bus.DeadLetter{{
		Event: bus.Event{ID: "ev-1", Topic: bus.TopicPositions, Key: "veh-1"},
		Group: "status-engine", Deliveries: 5, LastError: "pg down",
	}}

	resp := f.do(t, http.MethodGet, "/ops/dead-letters?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
}

func TestServer_HealthzOpenAndOK(t *testing.T) {
	f := newServerFixture(t)

	// No API key on purpose: health is an open endpoint.
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
