package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
	"trading-sim-go/session"
)

const (
	dayLayout = "2006-01-02"
	engineKey = "engine"
)

type quoteView struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Mid         float64   `json:"mid"`
	Volume      *float64  `json:"volume,omitempty"`
	RealizedVol float64   `json:"realizedVol"`
	Timestamp   time.Time `json:"timestamp"`
}

type strikeView struct {
	Strike float64 `json:"strike"`
	IV     float64 `json:"iv"`
}

type surfaceView struct {
	ID      string       `json:"id"`
	Symbol  string       `json:"symbol"`
	Expiry  time.Time    `json:"expiry"`
	AsOf    time.Time    `json:"asOf"`
	Strikes []strikeView `json:"strikes"`
}

type sessionView struct {
	ID           string        `json:"sessionId"`
	Status       string        `json:"status"`
	Symbols      []string      `json:"symbols"`
	Source       string        `json:"source"`
	Capabilities string        `json:"capabilities"`
	Replay       *replay.State `json:"replay,omitempty"`
}

func toQuote(t market.Tick) quoteView {
	return quoteView{
		Symbol:    t.Symbol,
		Price:     t.Last,
		Bid:       t.BestBid,
		Ask:       t.BestAsk,
		Mid:       t.Mid,
		Volume:    t.Volume,
		Timestamp: t.Timestamp,
	}
}

func toSurface(s market.IvSurfaceSnapshot) surfaceView {
	out := surfaceView{ID: s.ID, Symbol: s.Symbol, Expiry: s.Expiry, AsOf: s.AsOf}
	for _, k := range s.SortedStrikes() {
		out.Strikes = append(out.Strikes, strikeView{Strike: k, IV: s.Strikes[k]})
	}
	return out
}

func toSession(e *session.Engine) sessionView {
	v := sessionView{
		ID:           e.ID(),
		Status:       string(e.Status()),
		Symbols:      e.Symbols(),
		Source:       e.Source().Name(),
		Capabilities: e.Source().Capabilities().String(),
	}
	if ctrl, ok := e.Replay(); ok {
		st := ctrl.State()
		v.Replay = &st
	}
	return v
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.sessions.IDs()),
	})
}

func (s *Server) listDays(c *gin.Context) {
	if s.days == nil {
		abort(c, &market.UnimplementedError{Provider: "history", Op: "Days"})
		return
	}
	days, err := s.days.Days(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, days)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.IDs()})
}

func (s *Server) createSession(c *gin.Context) {
	var req struct {
		SessionID string   `json:"sessionId" binding:"required"`
		Symbols   []string `json:"symbols"`
		Live      bool     `json:"live"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	e, err := s.sessions.Create(req.SessionID, req.Symbols, req.Live)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSession(e))
}

// loadSession 解析 :id 并放入上下文。
func (s *Server) loadSession(c *gin.Context) {
	id := c.Param("id")
	e, ok := s.sessions.Get(id)
	if !ok {
		abort(c, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id))
		return
	}
	c.Set(engineKey, e)
	c.Next()
}

func engineOf(c *gin.Context) *session.Engine {
	return c.MustGet(engineKey).(*session.Engine)
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, toSession(engineOf(c)))
}

func (s *Server) deleteSession(c *gin.Context) {
	e := engineOf(c)
	if err := s.sessions.Remove(e.ID()); err != nil {
		abort(c, err)
		return
	}
	s.registry.CloseSession(e.ID())
	s.limiter.Forget(e.ID())
	c.Status(http.StatusNoContent)
}

func (s *Server) getQuotes(c *gin.Context) {
	book := engineOf(c).Quotes()
	snap := book.Snapshot()
	out := make([]quoteView, 0, len(snap))
	for _, t := range snap {
		q := toQuote(t)
		q.RealizedVol = book.RealizedVol(t.Symbol)
		out = append(out, q)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSurface(c *gin.Context) {
	e := engineOf(c)
	symbol := c.Query("symbol")
	if symbol == "" {
		symbol = e.Symbols()[0]
	}
	sf, err := e.Surface(symbol)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toSurface(sf))
}

func (s *Server) postShock(c *gin.Context) {
	var req session.ShockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := engineOf(c).ApplyShock(req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"oldPrice": res.OldPrice,
		"newPrice": res.NewPrice,
		"oldVol":   res.OldVol,
		"newVol":   res.NewVol,
	})
}

func (s *Server) postControl(c *gin.Context) {
	var req struct {
		Action    realtime.ControlAction `json:"action" binding:"required"`
		ChangedBy string                 `json:"changedBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if !req.Action.Valid() {
		abort(c, fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action))
		return
	}
	st, err := engineOf(c).Control(c.Request.Context(), req.Action, req.ChangedBy)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

// postEvent 协作方把事件注入会话，由 Hub 路由与合并。
func (s *Server) postEvent(c *gin.Context) {
	e := engineOf(c)
	if !s.limiter.Allow(e.ID()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "event rate limit exceeded"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var env realtime.Envelope
	if err := env.UnmarshalJSON(raw); err != nil {
		abort(c, err)
		return
	}
	if err := e.Publish(env); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func replayOf(c *gin.Context) (*replay.Controller, bool) {
	ctrl, ok := engineOf(c).Replay()
	if !ok {
		abort(c, session.ErrNoReplay)
		return nil, false
	}
	return ctrl, true
}

func (s *Server) getReplay(c *gin.Context) {
	ctrl, ok := replayOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (s *Server) replayLoad(c *gin.Context) {
	var req struct {
		Day     string     `json:"day" binding:"required"`
		StartAt *time.Time `json:"startAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	day, err := time.Parse(dayLayout, req.Day)
	if err != nil {
		abort(c, fmt.Errorf("%w: day must be YYYY-MM-DD", errBadRequest))
		return
	}
	ctrl, err := engineOf(c).StartReplay(c.Request.Context(), day, req.StartAt)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

// replayOp play/pause/step 共用。
func replayOp(op func(*replay.Controller) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, ok := replayOf(c)
		if !ok {
			return
		}
		if err := op(ctrl); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.State())
	}
}

func (s *Server) replayPlay(c *gin.Context)  { replayOp((*replay.Controller).Play)(c) }
func (s *Server) replayPause(c *gin.Context) { replayOp((*replay.Controller).Pause)(c) }
func (s *Server) replayStep(c *gin.Context)  { replayOp((*replay.Controller).Step)(c) }

func (s *Server) replaySeek(c *gin.Context) {
	var req struct {
		Index     *int       `json:"index"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if (req.Index == nil) == (req.Timestamp == nil) {
		abort(c, fmt.Errorf("%w: exactly one of index or timestamp is required", errBadRequest))
		return
	}
	replayOp(func(ctrl *replay.Controller) error {
		if req.Index != nil {
			return ctrl.SeekIndex(*req.Index)
		}
		return ctrl.SeekTime(*req.Timestamp)
	})(c)
}

func (s *Server) replaySpeed(c *gin.Context) {
	var req struct {
		Speed int `json:"speed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	replayOp(func(ctrl *replay.Controller) error { return ctrl.SetSpeed(req.Speed) })(c)
}
