package replay

import (
	"errors"
	"time"
)

// Status 回放状态机
type Status int

const (
	// StatusUnloaded 尚未加载交易日
	StatusUnloaded Status = iota
	// StatusPaused 已加载，暂停中
	StatusPaused
	// StatusPlaying 驱动器运行中
	StatusPlaying
	// StatusComplete 已播放到末尾
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "UNLOADED"
	case StatusPaused:
		return "PAUSED"
	case StatusPlaying:
		return "PLAYING"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// State 回放位置快照。CurrentIndex 指向下一笔待处理的 tick。
type State struct {
	Day          time.Time `json:"day"`
	CurrentTime  time.Time `json:"currentTime"`
	CurrentIndex int       `json:"currentIndex"`
	Speed        int       `json:"speed"`
	IsPaused     bool      `json:"isPaused"`
	IsComplete   bool      `json:"isComplete"`
	TotalTicks   int       `json:"totalTicks"`
	Status       string    `json:"status"`
}

var (
	// ErrInvalidSpeed 速度只能是 1/2/4/8
	ErrInvalidSpeed = errors.New("replay: speed must be one of 1, 2, 4, 8")
	// ErrSeekOutOfRange seek 目标超出已加载交易日
	ErrSeekOutOfRange = errors.New("replay: seek target out of range")
	// ErrNotLoaded 尚未 load
	ErrNotLoaded = errors.New("replay: no day loaded")
)

// ValidSpeed 判断回放速度是否合法。
func ValidSpeed(n int) bool {
	switch n {
	case 1, 2, 4, 8:
		return true
	}
	return false
}
