package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind 事件类型，取值固定。
type Kind string

const (
	KindTick           Kind = "TICK"
	KindFill           Kind = "FILL"
	KindRisk           Kind = "RISK"
	KindScore          Kind = "SCORE"
	KindAlert          Kind = "ALERT"
	KindShock          Kind = "SHOCK"
	KindSessionControl Kind = "SESSION_CONTROL"
	KindRiskRecalc     Kind = "RISK_RECALC_REQUIRED"
)

// ErrInvalidEnvelope 事件缺字段或类型未知。
var ErrInvalidEnvelope = errors.New("realtime: invalid envelope")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// Side 成交方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertType 告警类别
type AlertType string

const (
	AlertBreachOpen     AlertType = "breach_open"
	AlertBreachClose    AlertType = "breach_close"
	AlertMarginCall     AlertType = "margin_call"
	AlertShock          AlertType = "shock"
	AlertSessionControl AlertType = "session_control"
)

// ControlAction 会话控制动作
type ControlAction string

const (
	ActionPause   ControlAction = "pause"
	ActionResume  ControlAction = "resume"
	ActionFreeze  ControlAction = "freeze"
	ActionEnd     ControlAction = "end"
	ActionNextDay ControlAction = "next_day"
)

// Valid 是否为已知动作。
func (a ControlAction) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionFreeze, ActionEnd, ActionNextDay:
		return true
	}
	return false
}

// Payload 封闭的事件载荷集合，只有本包内的类型可以实现。
type Payload interface {
	kind() Kind
	validate() error
}

type TickPayload struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    *float64  `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsShock   bool      `json:"isShock,omitempty"`
	IsOpening bool      `json:"isOpening,omitempty"`
}

type FillPayload struct {
	OrderID       string    `json:"orderId"`
	ParticipantID string    `json:"participantId"`
	Side          Side      `json:"side"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	FillPrice     float64   `json:"fillPrice"`
	Fees          float64   `json:"fees"`
	Timestamp     time.Time `json:"timestamp"`
}

type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

type RiskPayload struct {
	ParticipantID string    `json:"participantId"`
	Greeks        Greeks    `json:"greeks"`
	VaR95         float64   `json:"var95"`
	Breaches      []string  `json:"breaches"`
	Timestamp     time.Time `json:"timestamp"`
}

type ScorePayload struct {
	ParticipantID string    `json:"participantId"`
	RealizedPnL   float64   `json:"realizedPnL"`
	UnrealizedPnL float64   `json:"unrealizedPnL"`
	Score         float64   `json:"score"`
	Rank          int       `json:"rank"`
	Timestamp     time.Time `json:"timestamp"`
}

type AlertPayload struct {
	ParticipantID string                 `json:"participantId,omitempty"`
	Severity      Severity               `json:"severity"`
	Type          AlertType              `json:"type"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

type ShockPayload struct {
	SessionID   string    `json:"sessionId"`
	PriceChange float64   `json:"priceChange"`
	VolChange   float64   `json:"volChange"`
	Description string    `json:"description,omitempty"`
	NewPrice    float64   `json:"newPrice"`
	NewVol      float64   `json:"newVol"`
	Timestamp   time.Time `json:"timestamp"`
}

type SessionControlPayload struct {
	SessionID      string        `json:"sessionId"`
	Action         ControlAction `json:"action"`
	PreviousStatus string        `json:"previousStatus,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	ChangedBy      string        `json:"changedBy,omitempty"`
}

type RiskRecalcPayload struct {
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (TickPayload) kind() Kind           { return KindTick }
func (FillPayload) kind() Kind           { return KindFill }
func (RiskPayload) kind() Kind           { return KindRisk }
func (ScorePayload) kind() Kind          { return KindScore }
func (AlertPayload) kind() Kind          { return KindAlert }
func (ShockPayload) kind() Kind          { return KindShock }
func (SessionControlPayload) kind() Kind { return KindSessionControl }
func (RiskRecalcPayload) kind() Kind     { return KindRiskRecalc }

func (p TickPayload) validate() error {
	if p.Symbol == "" {
		return invalid("TICK without symbol")
	}
	if p.Timestamp.IsZero() {
		return invalid("TICK without timestamp")
	}
	return nil
}

func (p FillPayload) validate() error {
	if p.ParticipantID == "" || p.OrderID == "" {
		return invalid("FILL requires orderId and participantId")
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return invalid("FILL side %q", p.Side)
	}
	return nil
}

func (p RiskPayload) validate() error {
	if p.ParticipantID == "" {
		return invalid("RISK without participantId")
	}
	return nil
}

func (p ScorePayload) validate() error {
	if p.ParticipantID == "" {
		return invalid("SCORE without participantId")
	}
	return nil
}

func (p AlertPayload) validate() error {
	switch p.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return invalid("ALERT severity %q", p.Severity)
	}
	switch p.Type {
	case AlertBreachOpen, AlertBreachClose, AlertMarginCall, AlertShock, AlertSessionControl:
	default:
		return invalid("ALERT type %q", p.Type)
	}
	return nil
}

func (p ShockPayload) validate() error {
	if p.SessionID == "" {
		return invalid("SHOCK without sessionId")
	}
	return nil
}

func (p SessionControlPayload) validate() error {
	if p.SessionID == "" {
		return invalid("SESSION_CONTROL without sessionId")
	}
	if !p.Action.Valid() {
		return invalid("SESSION_CONTROL action %q", p.Action)
	}
	return nil
}

func (p RiskRecalcPayload) validate() error {
	if p.SessionID == "" {
		return invalid("RISK_RECALC_REQUIRED without sessionId")
	}
	return nil
}

// Envelope 跨 Hub 传输的唯一单元，线上格式为 {"event": KIND, "payload": {...}}。
type Envelope struct {
	Kind    Kind
	Payload Payload
}

// NewEnvelope 由载荷推导 Kind。
func NewEnvelope(p Payload) Envelope {
	if p == nil {
		return Envelope{}
	}
	return Envelope{Kind: p.kind(), Payload: p}
}

// Validate 检查 Kind 与载荷一致且必填字段齐全。
func (e Envelope) Validate() error {
	if e.Payload == nil {
		return invalid("empty payload")
	}
	if e.Kind != e.Payload.kind() {
		return invalid("kind %s does not match payload %s", e.Kind, e.Payload.kind())
	}
	return e.Payload.validate()
}

type wireEnvelope struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, invalid("empty payload")
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Event: e.Payload.kind(), Payload: raw})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	p, err := decodePayload(w.Event, w.Payload)
	if err != nil {
		return err
	}
	e.Kind = w.Event
	e.Payload = p
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, invalid("%s without payload", kind)
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindTick:
		p, err = decodeAs[TickPayload](raw)
	case KindFill:
		p, err = decodeAs[FillPayload](raw)
	case KindRisk:
		p, err = decodeAs[RiskPayload](raw)
	case KindScore:
		p, err = decodeAs[ScorePayload](raw)
	case KindAlert:
		p, err = decodeAs[AlertPayload](raw)
	case KindShock:
		p, err = decodeAs[ShockPayload](raw)
	case KindSessionControl:
		p, err = decodeAs[SessionControlPayload](raw)
	case KindRiskRecalc:
		p, err = decodeAs[RiskRecalcPayload](raw)
	default:
		return nil, invalid("unknown event %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, kind, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ChannelName 会话的逻辑频道名
func ChannelName(sessionID string) string {
	return "session:" + sessionID
}

// SessionFromChannel 从频道名解析会话 ID。
func SessionFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "session:")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
