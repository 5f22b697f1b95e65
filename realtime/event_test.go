package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func TestEnvelopeWireShape(t *testing.T) {
	vol := 12.0
	env := NewEnvelope(TickPayload{Symbol: "BRN", Price: 82.5, Bid: 82.49, Ask: 82.51, Volume: &vol, Timestamp: ts, IsOpening: true})
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "TICK", wire["event"])
	payload, ok := wire["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BRN", payload["symbol"])
	assert.Equal(t, 82.5, payload["price"])
	assert.Equal(t, true, payload["isOpening"])
	_, hasShock := payload["isShock"]
	assert.False(t, hasShock)
}

func TestEnvelopeDecode(t *testing.T) {
	raw := `{"event":"FILL","payload":{"orderId":"o1","participantId":"P1","side":"BUY","symbol":"BRN","quantity":10,"fillPrice":82.5,"fees":0.1,"timestamp":"2024-03-01T14:30:00Z"}}`
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, KindFill, env.Kind)
	fill, ok := env.Payload.(FillPayload)
	require.True(t, ok)
	assert.Equal(t, "P1", fill.ParticipantID)
	assert.Equal(t, SideBuy, fill.Side)
	assert.NoError(t, env.Validate())
}

func TestEnvelopeDecodeErrors(t *testing.T) {
	cases := []string{
		`{"event":"TRADE","payload":{}}`,
		`{"event":"TICK"}`,
		`{"event":"TICK","payload":{"price":"abc"}}`,
		`not json`,
	}
	for _, raw := range cases {
		var env Envelope
		err := json.Unmarshal([]byte(raw), &env)
		assert.ErrorIs(t, err, ErrInvalidEnvelope, raw)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	assert.ErrorIs(t, Envelope{}.Validate(), ErrInvalidEnvelope)
	assert.ErrorIs(t, Envelope{Kind: KindFill, Payload: TickPayload{Symbol: "BRN", Timestamp: ts}}.Validate(), ErrInvalidEnvelope)
	assert.ErrorIs(t, NewEnvelope(FillPayload{OrderID: "o1", Side: SideBuy}).Validate(), ErrInvalidEnvelope)
	assert.ErrorIs(t, NewEnvelope(FillPayload{OrderID: "o1", ParticipantID: "P1", Side: "HOLD"}).Validate(), ErrInvalidEnvelope)
	assert.ErrorIs(t, NewEnvelope(AlertPayload{Severity: "fatal", Type: AlertShock}).Validate(), ErrInvalidEnvelope)
	assert.ErrorIs(t, NewEnvelope(SessionControlPayload{SessionID: "s1", Action: "restart"}).Validate(), ErrInvalidEnvelope)
	assert.NoError(t, NewEnvelope(SessionControlPayload{SessionID: "s1", Action: ActionNextDay}).Validate())
	assert.NoError(t, NewEnvelope(AlertPayload{Severity: SeverityWarning, Type: AlertMarginCall, Message: "m"}).Validate())
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "session:abc", ChannelName("abc"))
	id, ok := SessionFromChannel("session:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = SessionFromChannel("other:abc")
	assert.False(t, ok)
	_, ok = SessionFromChannel("session:")
	assert.False(t, ok)
}

func TestAudience(t *testing.T) {
	cases := []struct {
		name   string
		env    Envelope
		pid    string
		global bool
	}{
		{"tick", NewEnvelope(TickPayload{}), "", true},
		{"score", NewEnvelope(ScorePayload{ParticipantID: "P1"}), "", true},
		{"shock", NewEnvelope(ShockPayload{}), "", true},
		{"control", NewEnvelope(SessionControlPayload{}), "", true},
		{"recalc", NewEnvelope(RiskRecalcPayload{}), "", true},
		{"fill", NewEnvelope(FillPayload{ParticipantID: "P1"}), "P1", false},
		{"risk", NewEnvelope(RiskPayload{ParticipantID: "P2"}), "P2", false},
		{"scoped alert", NewEnvelope(AlertPayload{ParticipantID: "P1"}), "P1", false},
		{"global alert", NewEnvelope(AlertPayload{}), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pid, global := Audience(tc.env)
			assert.Equal(t, tc.pid, pid)
			assert.Equal(t, tc.global, global)
		})
	}

	fill := NewEnvelope(FillPayload{ParticipantID: "P1"})
	assert.True(t, Visible(fill, "P1"))
	assert.False(t, Visible(fill, "P2"))
	assert.False(t, Visible(fill, ""))
}
