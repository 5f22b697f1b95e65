package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-sim-go/infrastructure/monitor"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Monitor == nil {
		opts.Monitor = monitor.New(monitor.DefaultConfig())
	}
	h := NewHub("s1", opts)
	t.Cleanup(h.Close)
	return h
}

func recv(t *testing.T, s *Stream) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := s.Recv(ctx)
	require.NoError(t, err)
	return env
}

func assertNothing(t *testing.T, s *Stream, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	env, err := s.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected %s", env.Kind)
}

func tick(symbol string, price float64) Envelope {
	return NewEnvelope(TickPayload{Symbol: symbol, Price: price, Bid: price - 0.01, Ask: price + 0.01, Timestamp: time.Now()})
}

func TestTickCoalescing(t *testing.T) {
	h := newTestHub(t, Options{FlushInterval: 30 * time.Millisecond})
	s, err := h.Attach("P1")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, h.Publish(tick("BRN", 80+float64(i))))
	}
	assert.Equal(t, 1, h.pendingLen())

	env := recv(t, s)
	p := env.Payload.(TickPayload)
	assert.Equal(t, 129.0, p.Price)
	assertNothing(t, s, 100*time.Millisecond)

	// 空刷新后定时器停止，下一次入队再启动
	require.Eventually(t, func() bool { return !h.timerArmed() }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Publish(tick("BRN", 90)))
	assert.True(t, h.timerArmed())
	assert.Equal(t, 90.0, recv(t, s).Payload.(TickPayload).Price)
}

func TestCoalescingKeys(t *testing.T) {
	h := newTestHub(t, Options{FlushInterval: 20 * time.Millisecond})
	p1, _ := h.Attach("P1")
	p2, _ := h.Attach("P2")

	require.NoError(t, h.Publish(tick("BRN", 80)))
	require.NoError(t, h.Publish(tick("WTI", 70)))
	require.NoError(t, h.Publish(NewEnvelope(RiskPayload{ParticipantID: "P1", VaR95: 1})))
	require.NoError(t, h.Publish(NewEnvelope(RiskPayload{ParticipantID: "P1", VaR95: 2})))
	require.NoError(t, h.Publish(NewEnvelope(RiskPayload{ParticipantID: "P2", VaR95: 3})))
	require.NoError(t, h.Publish(NewEnvelope(ScorePayload{ParticipantID: "P1", Score: 1})))
	require.NoError(t, h.Publish(NewEnvelope(ScorePayload{ParticipantID: "P2", Score: 2})))

	got := []Envelope{recv(t, p1), recv(t, p1), recv(t, p1), recv(t, p1)}
	assert.Equal(t, "BRN", got[0].Payload.(TickPayload).Symbol)
	assert.Equal(t, "WTI", got[1].Payload.(TickPayload).Symbol)
	assert.Equal(t, 2.0, got[2].Payload.(RiskPayload).VaR95)
	assert.Equal(t, 2.0, got[3].Payload.(ScorePayload).Score)
	assertNothing(t, p1, 60*time.Millisecond)

	got = []Envelope{recv(t, p2), recv(t, p2), recv(t, p2), recv(t, p2)}
	assert.Equal(t, 3.0, got[2].Payload.(RiskPayload).VaR95)
	assert.Equal(t, KindScore, got[3].Kind)
}

func TestImmediateKindsInArrivalOrder(t *testing.T) {
	h := newTestHub(t, Options{FlushInterval: time.Hour})
	s, _ := h.Attach("P1")

	require.NoError(t, h.Publish(NewEnvelope(ShockPayload{SessionID: "s1", PriceChange: 10})))
	require.NoError(t, h.Publish(NewEnvelope(AlertPayload{Severity: SeverityWarning, Type: AlertShock, Message: "shock"})))
	require.NoError(t, h.Publish(NewEnvelope(SessionControlPayload{SessionID: "s1", Action: ActionPause})))
	require.NoError(t, h.Publish(NewEnvelope(FillPayload{OrderID: "o1", ParticipantID: "P1", Side: SideSell})))

	assert.Equal(t, KindShock, recv(t, s).Kind)
	assert.Equal(t, KindAlert, recv(t, s).Kind)
	assert.Equal(t, KindSessionControl, recv(t, s).Kind)
	assert.Equal(t, KindFill, recv(t, s).Kind)
}

func TestParticipantScoping(t *testing.T) {
	h := newTestHub(t, Options{})
	p1, _ := h.Attach("P1")
	p2, _ := h.Attach("P2")

	require.NoError(t, h.Publish(NewEnvelope(FillPayload{OrderID: "o1", ParticipantID: "P1", Side: SideBuy})))
	require.NoError(t, h.Publish(NewEnvelope(AlertPayload{ParticipantID: "P2", Severity: SeverityCritical, Type: AlertMarginCall})))
	require.NoError(t, h.Publish(NewEnvelope(AlertPayload{Severity: SeverityInfo, Type: AlertSessionControl})))

	assert.Equal(t, KindFill, recv(t, p1).Kind)
	assert.Empty(t, recv(t, p1).Payload.(AlertPayload).ParticipantID)
	assertNothing(t, p1, 30*time.Millisecond)

	assert.Equal(t, "P2", recv(t, p2).Payload.(AlertPayload).ParticipantID)
	assert.Empty(t, recv(t, p2).Payload.(AlertPayload).ParticipantID)
	assertNothing(t, p2, 30*time.Millisecond)
}

func TestPublishRejectsInvalid(t *testing.T) {
	h := newTestHub(t, Options{})
	err := h.Publish(NewEnvelope(FillPayload{OrderID: "o1", Side: SideBuy}))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
	assert.Equal(t, 0, h.pendingLen())
}

func TestAttachReplacesPrior(t *testing.T) {
	h := newTestHub(t, Options{})
	first, err := h.Attach("P1")
	require.NoError(t, err)
	second, err := h.Attach("P1")
	require.NoError(t, err)

	_, err = first.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamReplaced)
	assert.Equal(t, []string{"P1"}, h.Participants())

	// 旧流的 Close 不影响新流
	require.NoError(t, first.Close())
	assert.Equal(t, []string{"P1"}, h.Participants())
	require.NoError(t, second.Close())
	require.NoError(t, second.Close())
	assert.Empty(t, h.Participants())
}

func TestSlowConsumerDropped(t *testing.T) {
	h := newTestHub(t, Options{QueueSize: 2})
	slow, _ := h.Attach("P1")
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(NewEnvelope(ShockPayload{SessionID: "s1"})))
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	assert.Empty(t, h.Participants())
	_, err := slow.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestHubClose(t *testing.T) {
	h := newTestHub(t, Options{FlushInterval: time.Hour})
	s, _ := h.Attach("P1")
	require.NoError(t, h.Publish(tick("BRN", 80)))
	require.True(t, h.timerArmed())

	h.Close()
	h.Close()
	assert.False(t, h.timerArmed())
	assert.ErrorIs(t, s.Err(), ErrHubClosed)
	assert.ErrorIs(t, h.Publish(tick("BRN", 81)), ErrHubClosed)
	_, err := h.Attach("P2")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Options{FlushInterval: 10 * time.Millisecond})
	defer reg.Close()

	a := reg.Hub("a")
	assert.Same(t, a, reg.Hub("a"))
	_, ok := reg.Lookup("b")
	assert.False(t, ok)

	sa, _ := a.Attach("P1")
	sb, _ := reg.Hub("b").Attach("P1")
	require.NoError(t, reg.Publish("a", NewEnvelope(ShockPayload{SessionID: "a"})))
	assert.Equal(t, KindShock, recv(t, sa).Kind)
	assertNothing(t, sb, 30*time.Millisecond)

	assert.ErrorIs(t, reg.Publish("", NewEnvelope(ShockPayload{SessionID: "a"})), ErrInvalidEnvelope)
	assert.Equal(t, []string{"a", "b"}, reg.Sessions())

	reg.CloseSession("a")
	assert.ErrorIs(t, sa.Err(), ErrHubClosed)
	assert.Equal(t, []string{"b"}, reg.Sessions())
}

func TestRegistryPublishDoesNotCreateHubs(t *testing.T) {
	reg := NewRegistry(Options{})
	defer reg.Close()

	assert.ErrorIs(t, reg.Publish("ghost", NewEnvelope(ShockPayload{SessionID: "ghost"})), ErrUnknownSession)
	assert.Empty(t, reg.Sessions())

	h := reg.OpenSession("s1")
	assert.Same(t, h, reg.OpenSession("s1"))
	require.NoError(t, reg.Publish("s1", NewEnvelope(ShockPayload{SessionID: "s1"})))

	// 会话关闭后的迟到事件不会留下新的 Hub
	reg.CloseSession("s1")
	assert.ErrorIs(t, reg.Publish("s1", NewEnvelope(ShockPayload{SessionID: "s1"})), ErrUnknownSession)
	assert.Empty(t, reg.Sessions())
}
