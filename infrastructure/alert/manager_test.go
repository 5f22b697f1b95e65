package alert

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
)

// recorder 记录收到的告警，failing 为 true 时返回错误
type recorder struct {
	name    string
	failing bool
	mu      sync.Mutex
	alerts  []Alert
}

func (r *recorder) Send(a Alert) error {
	if r.failing {
		return errors.New("unreachable")
	}
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestSendAlert(t *testing.T) {
	rec := &recorder{name: "rec"}
	mgr := NewManager([]Channel{rec}, 5*time.Minute)

	err := mgr.SendAlert(Alert{
		Level:     LevelWarning,
		SessionID: "s1",
		Kind:      "shock",
		Message:   "price shock applied",
		Fields:    map[string]interface{}{"priceChange": 10.0},
	})
	if err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", rec.count())
	}
	got := rec.alerts[0]
	if got.Level != LevelWarning || got.SessionID != "s1" {
		t.Errorf("unexpected alert %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestLevelHelpers(t *testing.T) {
	tests := []struct {
		name    string
		send    func(*Manager) error
		wantLvl string
	}{
		{"Info", func(m *Manager) error { return m.Info("s1", "session_control", "paused", nil) }, LevelInfo},
		{"Warn", func(m *Manager) error { return m.Warn("s1", "shock", "price +10%", nil) }, LevelWarning},
		{"Error", func(m *Manager) error { return m.Error("", "subscriber", "gave up", nil) }, LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{name: "rec"}
			mgr := NewManager([]Channel{rec}, 5*time.Minute)
			if err := tt.send(mgr); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if rec.count() != 1 {
				t.Fatalf("expected 1 alert, got %d", rec.count())
			}
			if lvl := rec.alerts[0].Level; lvl != tt.wantLvl {
				t.Errorf("level = %s, want %s", lvl, tt.wantLvl)
			}
		})
	}
}

func TestThrottlingIsPerSession(t *testing.T) {
	rec := &recorder{name: "rec"}
	mgr := NewManager([]Channel{rec}, time.Minute)
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	mgr.throttle.now = func() time.Time { return now }

	_ = mgr.Error("s1", "subscriber", "offline", nil)
	_ = mgr.Error("s1", "subscriber", "offline", nil)
	_ = mgr.Error("s2", "subscriber", "offline", nil)
	if rec.count() != 2 {
		t.Fatalf("expected 2 alerts after throttling, got %d", rec.count())
	}

	now = now.Add(time.Minute)
	_ = mgr.Error("s1", "subscriber", "offline", nil)
	if rec.count() != 3 {
		t.Fatalf("window elapsed, expected resend, got %d", rec.count())
	}
}

func TestPartialChannelFailure(t *testing.T) {
	bad := &recorder{name: "bad", failing: true}
	good := &recorder{name: "good"}
	mgr := NewManager([]Channel{bad, good}, time.Minute)

	if err := mgr.Info("s1", "session_control", "test", nil); err != nil {
		t.Errorf("should not return error when some channels succeed: %v", err)
	}
	if good.count() != 1 {
		t.Errorf("successful channel should receive alert")
	}

	only := NewManager([]Channel{bad}, time.Minute)
	if err := only.Info("s1", "session_control", "test", nil); err == nil {
		t.Error("expected error when all channels fail")
	}
}

func TestAddChannelReplacesByName(t *testing.T) {
	mgr := NewManager([]Channel{NewLogChannel(ChannelLog, zap.NewNop())}, time.Minute)
	first := &recorder{name: "rec"}
	second := &recorder{name: "rec"}
	mgr.AddChannel(first)
	mgr.AddChannel(second)

	if names := mgr.Channels(); len(names) != 2 || names[0] != ChannelLog || names[1] != "rec" {
		t.Fatalf("channels = %v", names)
	}
	_ = mgr.Warn("s1", "shock", "vol spike", map[string]interface{}{"vol": 0.4})
	if first.count() != 0 || second.count() != 1 {
		t.Errorf("replaced channel still receives alerts: first=%d second=%d", first.count(), second.count())
	}
}

func TestMetricsChannel(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	mgr := NewManager([]Channel{NewMetricsChannel(mon)}, time.Minute)
	_ = mgr.Warn("s1", "shock", "price +10%", nil)
	_ = mgr.Warn("s2", "shock", "price +10%", nil)
	_ = mgr.Info("s1", "session_control", "paused", nil)

	expected := `
# HELP sim_market_alerts_total 发出的运营告警数
# TYPE sim_market_alerts_total counter
sim_market_alerts_total{kind="session_control",level="INFO"} 1
sim_market_alerts_total{kind="shock",level="WARNING"} 2
`
	if err := testutil.GatherAndCompare(mon.Registry(), strings.NewReader(expected), "sim_market_alerts_total"); err != nil {
		t.Fatal(err)
	}
}
