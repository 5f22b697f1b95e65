package market

import (
	"time"

	"github.com/scmhub/calendar"
)

// Calendar 交易日历，封装 scmhub/calendar；找不到交易所日历时退化为 UTC 周一至周五。
type Calendar struct {
	cal        *calendar.Calendar
	loc        *time.Location
	openHour   int
	openMinute int
}

// NewCalendar 按 MIC（如 xnys）加载日历。
func NewCalendar(mic string) *Calendar {
	c := &Calendar{loc: time.UTC, openHour: 9, openMinute: 30}
	if cal := calendar.GetCalendar(mic); cal != nil {
		c.cal = cal
		if cal.Loc != nil {
			c.loc = cal.Loc
		}
	}
	return c
}

// Location 交易所时区
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay 判断是否为交易日
func (c *Calendar) IsTradingDay(day time.Time) bool {
	day = c.normalize(day)
	if c.cal == nil {
		wd := day.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(day)
}

// SessionOpen 返回该日期在交易所时区的开盘时间（09:30）。
func (c *Calendar) SessionOpen(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.openHour, c.openMinute, 0, 0, c.loc)
}

// NextTradingDay 返回 day 之后（不含）的第一个交易日。
func (c *Calendar) NextTradingDay(day time.Time) time.Time {
	next := day.AddDate(0, 0, 1)
	for i := 0; i < 14 && !c.IsTradingDay(next); i++ {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c *Calendar) normalize(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, c.loc)
}
