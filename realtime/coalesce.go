package realtime

// scoreKey SCORE 只保留最新一条
const scoreKey = "score"

type coalesceKey struct {
	kind Kind
	key  string
}

// coalesceKeyOf 返回可合并事件的键；FILL/ALERT/SHOCK/SESSION_CONTROL 等即时事件返回 false。
func coalesceKeyOf(env Envelope) (coalesceKey, bool) {
	switch p := env.Payload.(type) {
	case TickPayload:
		return coalesceKey{KindTick, p.Symbol}, true
	case RiskPayload:
		return coalesceKey{KindRisk, p.ParticipantID}, true
	case ScorePayload:
		return coalesceKey{KindScore, scoreKey}, true
	default:
		return coalesceKey{}, false
	}
}

// coalescer 每个键只保留最新值，按键首次出现的顺序输出。不是并发安全的。
type coalescer struct {
	order  []coalesceKey
	latest map[coalesceKey]Envelope
}

func newCoalescer() *coalescer {
	return &coalescer{latest: make(map[coalesceKey]Envelope)}
}

// add 返回 true 表示覆盖了同键的旧值。
func (c *coalescer) add(k coalesceKey, env Envelope) bool {
	_, exists := c.latest[k]
	if !exists {
		c.order = append(c.order, k)
	}
	c.latest[k] = env
	return exists
}

func (c *coalescer) len() int {
	return len(c.order)
}

// drain 取出全部并清空。
func (c *coalescer) drain() []Envelope {
	if len(c.order) == 0 {
		return nil
	}
	out := make([]Envelope, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.latest[k])
	}
	c.order = c.order[:0]
	c.latest = make(map[coalesceKey]Envelope)
	return out
}
