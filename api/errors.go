package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
	"trading-sim-go/session"
	"trading-sim-go/storage"
)

// errBadRequest 请求体或参数不合法
var errBadRequest = errors.New("api: bad request")

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, realtime.ErrInvalidEnvelope),
		errors.Is(err, replay.ErrInvalidSpeed),
		errors.Is(err, replay.ErrSeekOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrUnimplemented):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, storage.ErrDayNotFound),
		errors.Is(err, session.ErrNoReplay),
		errors.Is(err, realtime.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrModeConflict),
		errors.Is(err, replay.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, market.ErrConfig):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
}
