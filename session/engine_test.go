package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-sim-go/infrastructure/alert"
	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
)

type capture struct {
	mu   sync.Mutex
	envs []realtime.Envelope
}

func (c *capture) Publish(sessionID string, env realtime.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *capture) kinds() []realtime.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Kind, 0, len(c.envs))
	for _, e := range c.envs {
		out = append(out, e.Kind)
	}
	return out
}

func (c *capture) ticks() []realtime.TickPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.TickPayload
	for _, e := range c.envs {
		if p, ok := e.Payload.(realtime.TickPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	c.envs = nil
	c.mu.Unlock()
}

type alertBox struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (b *alertBox) Send(a alert.Alert) error {
	b.mu.Lock()
	b.alerts = append(b.alerts, a)
	b.mu.Unlock()
	return nil
}

func (b *alertBox) Name() string { return "box" }

func (b *alertBox) all() []alert.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]alert.Alert(nil), b.alerts...)
}

func newSynthetic(interval time.Duration) *market.SyntheticGenerator {
	seed := int64(42)
	cfg := market.DefaultSyntheticConfig()
	cfg.Seed = &seed
	cfg.TickInterval = interval
	return market.NewSyntheticGenerator(cfg)
}

func newEngine(t *testing.T, src market.Source, pub realtime.Publisher, alerts *alert.Manager) *Engine {
	t.Helper()
	e, err := New(Config{
		SessionID: "s1",
		Symbols:   []string{"BRN", "WTI"},
		Source:    src,
		Publisher: pub,
		Alerts:    alerts,
		Replay:    replay.Options{BaseInterval: time.Hour},
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Source: newSynthetic(time.Second), Publisher: &capture{}})
	assert.Error(t, err)
	_, err = New(Config{SessionID: "s1", Publisher: &capture{}})
	assert.Error(t, err)
	_, err = New(Config{SessionID: "s1", Source: newSynthetic(time.Second)})
	assert.Error(t, err)
}

func TestApplyShockPublishesTrio(t *testing.T) {
	pub := &capture{}
	alerts := &alertBox{}
	e := newEngine(t, newSynthetic(time.Second), pub, alert.NewManager([]alert.Channel{alerts}, time.Minute))

	res, err := e.ApplyShock(ShockRequest{PriceChangePct: 10, VolChangePts: 5, Description: "OPEC cut", TriggeredBy: "instructor"})
	require.NoError(t, err)
	assert.InDelta(t, 90.75, res.NewPrice, 1e-9)
	assert.InDelta(t, 0.30, res.NewVol, 1e-9)

	require.Equal(t, []realtime.Kind{realtime.KindShock, realtime.KindAlert, realtime.KindRiskRecalc}, pub.kinds())
	shock := pub.envs[0].Payload.(realtime.ShockPayload)
	assert.Equal(t, "s1", shock.SessionID)
	assert.Equal(t, "OPEC cut", shock.Description)
	assert.InDelta(t, 90.75, shock.NewPrice, 1e-9)
	al := pub.envs[1].Payload.(realtime.AlertPayload)
	assert.Empty(t, al.ParticipantID, "shock alert is global")
	assert.Equal(t, realtime.AlertShock, al.Type)
	assert.Equal(t, "shock", pub.envs[2].Payload.(realtime.RiskRecalcPayload).Reason)

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "shock", got[0].Kind)
	assert.Equal(t, alert.LevelWarning, got[0].Level)
	assert.Equal(t, "instructor", got[0].Fields["triggeredBy"])
}

func TestUnsupportedSource(t *testing.T) {
	e := newEngine(t, &market.BrokerSource{APIKey: "k", APISecret: "s"}, &capture{}, nil)

	_, err := e.ApplyShock(ShockRequest{PriceChangePct: 1})
	assert.ErrorIs(t, err, market.ErrUnimplemented)
	assert.ErrorIs(t, e.RunLive(context.Background()), market.ErrUnimplemented)
	_, err = e.StartReplay(context.Background(), time.Now(), nil)
	assert.ErrorIs(t, err, market.ErrUnimplemented)
	_, err = e.Surface("BRN")
	assert.ErrorIs(t, err, market.ErrUnimplemented)
}

func TestRunLive(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(2*time.Millisecond), pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunLive(ctx) }()

	require.Eventually(t, func() bool { return len(pub.ticks()) >= 6 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("RunLive did not return")
	}

	ticks := pub.ticks()
	opening := map[string]int{}
	for _, tk := range ticks {
		if tk.IsOpening {
			opening[tk.Symbol]++
		}
		assert.LessOrEqual(t, tk.Bid, tk.Ask)
	}
	assert.Equal(t, map[string]int{"BRN": 1, "WTI": 1}, opening)
	assert.True(t, ticks[0].IsOpening)

	_, ok := e.Quotes().Latest("WTI")
	assert.True(t, ok)
}

func TestRunLiveStopsOnEnd(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(2*time.Millisecond), pub, nil)
	done := make(chan error, 1)
	go func() { done <- e.RunLive(context.Background()) }()
	require.Eventually(t, func() bool { return len(pub.ticks()) > 0 }, 2*time.Second, time.Millisecond)

	st, err := e.Control(context.Background(), realtime.ActionEnd, "instructor")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, st)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatalf("RunLive did not stop")
	}
}

func TestLiveAndReplayAreExclusive(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(2*time.Millisecond), pub, nil)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunLive(ctx) }()
	require.Eventually(t, func() bool { return len(pub.ticks()) > 0 }, 2*time.Second, time.Millisecond)

	_, err := e.StartReplay(context.Background(), day, nil)
	assert.ErrorIs(t, err, ErrModeConflict)
	_, ok := e.Replay()
	assert.False(t, ok)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunLive did not return")
	}

	// 实时流结束后可以切换到回放，此后不能再启动实时流
	ctrl, err := e.StartReplay(context.Background(), day, nil)
	require.NoError(t, err)
	pub.reset()
	require.NoError(t, ctrl.Step())
	ticks := pub.ticks()
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].Timestamp.Before(time.Now().AddDate(0, -1, 0)))
	assert.ErrorIs(t, e.RunLive(context.Background()), ErrModeConflict)
}

func TestControlTransitions(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(time.Second), pub, nil)
	ctx := context.Background()

	st, err := e.Control(ctx, realtime.ActionPause, "instructor")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)
	require.Equal(t, []realtime.Kind{realtime.KindSessionControl, realtime.KindAlert}, pub.kinds())
	ctl := pub.envs[0].Payload.(realtime.SessionControlPayload)
	assert.Equal(t, "active", ctl.PreviousStatus)
	assert.Equal(t, "instructor", ctl.ChangedBy)
	assert.Equal(t, realtime.AlertSessionControl, pub.envs[1].Payload.(realtime.AlertPayload).Type)

	_, err = e.Control(ctx, realtime.ActionPause, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err = e.Control(ctx, realtime.ActionFreeze, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, st)
	st, err = e.Control(ctx, realtime.ActionResume, "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = e.Control(ctx, "restart", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err = e.Control(ctx, realtime.ActionEnd, "")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, st)
	_, err = e.Control(ctx, realtime.ActionResume, "")
	assert.ErrorIs(t, err, ErrSessionEnded)
	_, err = e.ApplyShock(ShockRequest{PriceChangePct: 1})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestReplayForwardsTicks(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(time.Second), pub, nil)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	ctrl, err := e.StartReplay(context.Background(), day, nil)
	require.NoError(t, err)
	assert.Equal(t, 156, ctrl.State().TotalTicks)

	require.NoError(t, ctrl.Step())
	require.NoError(t, ctrl.Step())
	ticks := pub.ticks()
	require.Len(t, ticks, 2)
	assert.Equal(t, "BRN", ticks[0].Symbol)
	assert.Equal(t, "WTI", ticks[1].Symbol)
	assert.True(t, ticks[0].IsOpening)

	s, err := e.Surface("BRN")
	require.NoError(t, err)
	assert.Equal(t, ticks[0].Timestamp, s.AsOf)

	got, ok := e.Replay()
	require.True(t, ok)
	assert.Same(t, ctrl, got)
}

func TestPauseResumesReplay(t *testing.T) {
	e := newEngine(t, newSynthetic(time.Second), &capture{}, nil)
	ctrl, err := e.StartReplay(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Play())

	_, err = e.Control(context.Background(), realtime.ActionPause, "")
	require.NoError(t, err)
	assert.Equal(t, replay.StatusPaused, ctrl.Status())

	_, err = e.Control(context.Background(), realtime.ActionResume, "")
	require.NoError(t, err)
	assert.Equal(t, replay.StatusPlaying, ctrl.Status())
}

func TestNextDayAdvancesReplay(t *testing.T) {
	pub := &capture{}
	e := newEngine(t, newSynthetic(time.Second), pub, nil)
	friday := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ctrl, err := e.StartReplay(context.Background(), friday, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Step())

	st, err := e.Control(context.Background(), realtime.ActionNextDay, "instructor")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)
	state := ctrl.State()
	assert.Equal(t, 0, state.CurrentIndex)
	assert.Equal(t, time.Monday, state.Day.Weekday())
	_, ok := e.Quotes().Latest("BRN")
	assert.False(t, ok)
}

type failingHistory struct{}

func (failingHistory) Name() string                      { return "failing" }
func (failingHistory) Capabilities() market.Capabilities { return market.CapHistory }
func (failingHistory) HistoricalDay(ctx context.Context, day time.Time, symbols []string) (market.HistoricalDay, error) {
	return market.HistoricalDay{}, errors.New("no data")
}

func TestReplayLoadFailure(t *testing.T) {
	e := newEngine(t, failingHistory{}, &capture{}, nil)
	_, err := e.StartReplay(context.Background(), time.Now(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data")
}
