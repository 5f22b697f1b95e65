package realtime

// Audience 返回事件的接收范围。global 为 true 时会话内所有订阅者可见，
// 否则只有 participantID 对应的订阅者可见。
func Audience(env Envelope) (participantID string, global bool) {
	switch p := env.Payload.(type) {
	case TickPayload, ScorePayload, ShockPayload, SessionControlPayload, RiskRecalcPayload:
		return "", true
	case FillPayload:
		return p.ParticipantID, false
	case RiskPayload:
		return p.ParticipantID, false
	case AlertPayload:
		if p.ParticipantID == "" {
			return "", true
		}
		return p.ParticipantID, false
	default:
		return "", false
	}
}

// Visible 判断 participantID 是否应收到该事件。
func Visible(env Envelope, participantID string) bool {
	target, global := Audience(env)
	if global {
		return true
	}
	return target != "" && target == participantID
}
