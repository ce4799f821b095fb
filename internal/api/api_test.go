package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/bus"
	"perfwatch/internal/clock"
	"perfwatch/internal/engine"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
	"perfwatch/internal/quality"
	"perfwatch/internal/testutils"
	"perfwatch/internal/types"
)

type testServer struct {
	srv  *Server
	e    *engine.Engine
	clk  *clock.Manual
	http *testutils.HTTPTestHelper
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	suite := testutils.NewTestSuite(t, nil)

	e, err := engine.New(context.Background(), engine.Options{
		Config:  suite.Config,
		Clock:   suite.Clock,
		Logger:  logger.Discard(),
		Metrics: monitoring.NewMetrics(),
		Store:   suite.Store,
		Sink:    suite.Sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	srv := NewServer(e, logger.Discard())
	return &testServer{srv: srv, e: e, clk: suite.Clock, http: testutils.NewHTTPTestHelper(t, srv.Router())}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := ts.http.Request(method, path, body).Recorder

	var resp Response
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decode re-encodes resp.Data into out.
func decode(t *testing.T, data interface{}, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func lcp(v float64) EventRequest {
	return EventRequest{EventType: "web_vital", Data: types.Event{Name: "LCP", Value: types.Float(v), SessionID: "s1", UserID: "u1"}}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	ts.http.GET("/health").
		AssertStatus(http.StatusOK).
		AssertContains(`"status":"ok"`)
}

func TestIngestCountsAcceptedAndRejected(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodPost, "/v1/events", IngestRequest{Events: []EventRequest{
		lcp(1800),
		{EventType: "web_vital", Data: types.Event{Name: "LCP", Duration: types.Float(400000)}},
		{EventType: "nope", Data: types.Event{Name: "x", Value: types.Float(1)}},
	}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	var got IngestResponse
	decode(t, resp.Data, &got)
	assert.Equal(t, IngestResponse{Accepted: 1, Rejected: 2}, got)

	assert.Equal(t, int64(2), ts.e.Quality().Counters[string(quality.ValidationFailed)])
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodPost, "/v1/events", map[string]interface{}{"events": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
}

func TestIngestAfterShutdown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.e.Shutdown(context.Background()))

	w, resp := ts.do(t, http.MethodPost, "/v1/events", IngestRequest{Events: []EventRequest{lcp(1800)}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ENGINE_STOPPED", resp.Code)
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/events", IngestRequest{Events: []EventRequest{lcp(7000)}})
	require.Equal(t, http.StatusOK, w.Code)

	_, resp := ts.do(t, http.MethodGet, "/v1/alerts", nil)
	var active []types.Alert
	decode(t, resp.Data, &active)
	require.Len(t, active, 1)
	id := active[0].ID
	assert.Equal(t, types.LevelCritical, active[0].Level)

	w, resp = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/ack", AlertActionRequest{By: "ops"})
	require.Equal(t, http.StatusOK, w.Code)
	var acked types.Alert
	decode(t, resp.Data, &acked)
	assert.Equal(t, types.StatusAcknowledged, acked.Status)
	assert.Equal(t, "ops", acked.AcknowledgedBy)

	w, _ = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/resolve", AlertActionRequest{By: "ops", Reason: "cdn fixed"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/resolve", AlertActionRequest{By: "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", resp.Code)

	_, resp = ts.do(t, http.MethodGet, "/v1/alerts/history?type="+types.AlertTypeThreshold, nil)
	var history []types.Alert
	decode(t, resp.Data, &history)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	w, _ = ts.do(t, http.MethodGet, "/v1/alerts/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimersOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/timers/begin", TimerRequest{Scope: "walletConnect", ID: "t1"})
	require.Equal(t, http.StatusOK, w.Code)
	ts.clk.Advance(1200 * time.Millisecond)

	w, _ = ts.do(t, http.MethodPost, "/v1/timers/end", TimerRequest{Scope: "walletConnect", ID: "t1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := ts.do(t, http.MethodPost, "/v1/timers/end", TimerRequest{Scope: "walletConnect", ID: "t1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestAggregatesValidation(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/v1/aggregates/fortnight", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/aggregates/minute?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/aggregates/minute?eventType=web_vital", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetContext(t *testing.T) {
	ts := newTestServer(t)

	on := true
	w, resp := ts.do(t, http.MethodPost, "/v1/context", ContextRequest{Competitive: &on, ThresholdMode: "competitive"})
	require.Equal(t, http.StatusOK, w.Code)

	var ctx engine.ContextSnapshot
	decode(t, resp.Data, &ctx)
	assert.True(t, ctx.Competitive)
	assert.True(t, ts.e.Competitive())

	w, _ = ts.do(t, http.MethodPost, "/v1/context", ContextRequest{ThresholdMode: "panic"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterABTest(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/ab", ABTestRequest{ID: "cdn", Variants: []string{"control", "edge"}, SampleRatio: 1})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, ts.e.ABTests(), 1)

	w, _ = ts.do(t, http.MethodPost, "/v1/ab", ABTestRequest{ID: "solo", Variants: []string{"only"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/ab", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/events", IngestRequest{Events: []EventRequest{lcp(1800)}})

	for _, path := range []string{
		"/v1/snapshot",
		"/v1/segments?device=mobile",
		"/v1/bottlenecks",
		"/v1/predictions",
		"/v1/recommendations",
		"/v1/quality",
		"/v1/tasks",
	} {
		w, resp := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.True(t, resp.Success, path)
	}

	w, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "perfwatch_")
}

func TestStreamDeliversNotifications(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/stream?topics=" + bus.TopicAlertCreated
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.srv.stream.Clients() == 1 }, time.Second, 10*time.Millisecond)

	w, _ := ts.do(t, http.MethodPost, "/v1/events", IngestRequest{Events: []EventRequest{lcp(7000)}})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg bus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.TopicAlertCreated, msg.Topic)

	ts.srv.stream.CloseAll()
	assert.Equal(t, 0, ts.srv.stream.Clients())
}
