package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
	"trading-sim-go/session"
	"trading-sim-go/storage"
)

type fixture struct {
	srv      *Server
	registry *realtime.Registry
	sessions *session.Manager
}

func newFixture(t *testing.T, newSrc func() (market.Source, error)) *fixture {
	t.Helper()
	reg := realtime.NewRegistry(realtime.Options{FlushInterval: 10 * time.Millisecond})
	mgr, err := session.NewManager(session.ManagerConfig{
		Template: session.Config{
			Symbols:   []string{"BRN"},
			Publisher: reg,
			Replay:    replay.Options{BaseInterval: time.Hour},
		},
		NewSource: newSrc,
	})
	require.NoError(t, err)
	srv, err := New(Config{
		Sessions: mgr,
		Registry: reg,
		Days:     staticDays{{Day: "2024-03-05", Ticks: 78, Surfaces: 7}},
		Monitor:  monitor.New(monitor.DefaultConfig()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.Close()
		reg.Close()
	})
	return &fixture{srv: srv, registry: reg, sessions: mgr}
}

func synthetic() (market.Source, error) {
	seed := int64(3)
	cfg := market.DefaultSyntheticConfig()
	cfg.Seed = &seed
	return market.NewSyntheticGenerator(cfg), nil
}

type staticDays []storage.DayInfo

func (d staticDays) Days(ctx context.Context) ([]storage.DayInfo, error) { return d, nil }

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndDays(t *testing.T) {
	f := newFixture(t, synthetic)
	rec := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/history/days", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"day":"2024-03-05","ticks":78,"surfaces":7}]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, synthetic)

	rec := f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view sessionView
	decode(t, rec, &view)
	assert.Equal(t, "s1", view.ID)
	assert.Equal(t, "active", view.Status)
	assert.Equal(t, "synthetic", view.Source)
	assert.Nil(t, view.Replay)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions", `{}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/sessions/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/nope", "").Code)

	rec = f.do(t, http.MethodGet, "/api/sessions", "")
	assert.JSONEq(t, `{"sessions":["s1"]}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/sessions/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/s1", "").Code)
}

func TestShockPublishesToSubscribers(t *testing.T) {
	f := newFixture(t, synthetic)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)

	stream, err := f.registry.Hub("s1").Attach("P1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/sessions/s1/shock", `{"priceChange":10,"volChange":5,"triggeredBy":"instructor"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]float64
	decode(t, rec, &res)
	assert.InDelta(t, 90.75, res["newPrice"], 1e-9)
	assert.InDelta(t, 0.30, res["newVol"], 1e-9)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var kinds []realtime.Kind
	for i := 0; i < 3; i++ {
		env, err := stream.Recv(ctx)
		require.NoError(t, err)
		kinds = append(kinds, env.Kind)
	}
	assert.Equal(t, []realtime.Kind{realtime.KindShock, realtime.KindAlert, realtime.KindRiskRecalc}, kinds)
}

func TestShockUnsupportedSource(t *testing.T) {
	f := newFixture(t, func() (market.Source, error) {
		return &market.BrokerSource{APIKey: "k", APISecret: "s"}, nil
	})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"b"}`).Code)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/sessions/b/shock", `{"priceChange":1}`).Code)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/sessions/b/replay/load", `{"day":"2024-03-05"}`).Code)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodGet, "/api/sessions/b/surface", "").Code)
}

func TestControl(t *testing.T) {
	f := newFixture(t, synthetic)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"restart"}`).Code)

	rec := f.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"pause","changedBy":"instructor"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"paused"}`, rec.Body.String())

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"pause"}`).Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"end"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"resume"}`).Code)
}

func TestReplayEndpoints(t *testing.T) {
	f := newFixture(t, synthetic)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)
	base := "/api/sessions/s1/replay"

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, base, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/load", `{"day":"03/05/2024"}`).Code)

	rec := f.do(t, http.MethodPost, base+"/load", `{"day":"2024-03-05"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st replay.State
	decode(t, rec, &st)
	assert.Equal(t, 78, st.TotalTicks)
	assert.Equal(t, "PAUSED", st.Status)

	rec = f.do(t, http.MethodPost, base+"/step", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, 1, st.CurrentIndex)

	rec = f.do(t, http.MethodGet, "/api/sessions/s1/quotes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var quotes []quoteView
	decode(t, rec, &quotes)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BRN", quotes[0].Symbol)

	rec = f.do(t, http.MethodGet, "/api/sessions/s1/surface?symbol=BRN", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sf surfaceView
	decode(t, rec, &sf)
	assert.Len(t, sf.Strikes, 9)

	rec = f.do(t, http.MethodPost, base+"/seek", `{"index":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, 11, st.CurrentIndex)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/seek", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/seek", `{"index":500}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/speed", `{"speed":3}`).Code)

	rec = f.do(t, http.MethodPost, base+"/speed", `{"speed":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, 4, st.Speed)

	rec = f.do(t, http.MethodPost, base+"/play", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, "PLAYING", st.Status)

	rec = f.do(t, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.True(t, st.IsPaused)
}

func TestPostEvent(t *testing.T) {
	f := newFixture(t, synthetic)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)
	stream, err := f.registry.Hub("s1").Attach("P1")
	require.NoError(t, err)

	fill := `{"event":"FILL","payload":{"orderId":"o1","participantId":"P1","side":"BUY","symbol":"BRN","quantity":10,"fillPrice":82.5,"fees":0.1,"timestamp":"2024-03-01T14:30:00Z"}}`
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/sessions/s1/events", fill).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/s1/events", `{"event":"TRADE","payload":{}}`).Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, realtime.KindFill, env.Kind)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
	assert.Equal(t, http.StatusNotFound, statusOf(storage.ErrDayNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(replay.ErrNotLoaded))
	assert.Equal(t, http.StatusConflict, statusOf(fmt.Errorf("load: %w", session.ErrModeConflict)))
	assert.Equal(t, http.StatusNotFound, statusOf(realtime.ErrUnknownSession))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(&market.ConfigError{Field: "x"}))
}

func TestPostEventRateLimited(t *testing.T) {
	f := newFixture(t, synthetic)
	f.srv.limiter = newSessionLimiter(0.001, 1)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s1"}`).Code)

	alert := `{"event":"ALERT","payload":{"severity":"info","type":"margin_call","message":"m","timestamp":"2024-03-01T14:30:00Z"}}`
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/sessions/s1/events", alert).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/sessions/s1/events", alert).Code)
}
