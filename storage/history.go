package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"trading-sim-go/market"
)

const dayLayout = "2006-01-02"

// ErrDayNotFound 存储中没有该交易日
var ErrDayNotFound = errors.New("storage: day not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS days (
		day TEXT PRIMARY KEY,
		tz TEXT NOT NULL,
		tick_count INTEGER NOT NULL,
		surface_count INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		day TEXT NOT NULL,
		seq INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		ts BIGINT NOT NULL,
		last DOUBLE PRECISION NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		mid DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION,
		PRIMARY KEY (day, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS iv_surfaces (
		id TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		seq INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		expiry BIGINT NOT NULL,
		as_of BIGINT NOT NULL,
		strikes TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_iv_surfaces_day ON iv_surfaces (day, seq)`,
}

// HistoryStore 历史交易日的持久化，支持 sqlite 与 postgres。
// 同时实现 market.Source（CapHistory），可作为回放数据源。
type HistoryStore struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

var _ market.HistoricalSource = (*HistoryStore)(nil)

// Open 打开数据库并建表。driver 为 sqlite 或 postgres。
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*HistoryStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}

	s := &HistoryStore{db: db, driver: driver, log: log}
	if driver == "sqlite" {
		// 单写者
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			log.Warn("failed to set WAL mode", zap.Error(err))
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
			log.Warn("failed to set synchronous mode", zap.Error(err))
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return s, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func (s *HistoryStore) Name() string { return "history" }

func (s *HistoryStore) Capabilities() market.Capabilities { return market.CapHistory }

// rebind 把 ? 占位符改写为 postgres 的 $n。
func (s *HistoryStore) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type strikePoint struct {
	Strike float64 `json:"k"`
	IV     float64 `json:"iv"`
}

// SaveDay 保存一个交易日，已存在则整体替换。
func (s *HistoryStore) SaveDay(ctx context.Context, hd market.HistoricalDay) error {
	key := hd.Day.Format(dayLayout)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"ticks", "iv_surfaces", "days"} {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE day = ?"), key); err != nil {
			return fmt.Errorf("storage: clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind("INSERT INTO days (day, tz, tick_count, surface_count, created_at) VALUES (?, ?, ?, ?, ?)"),
		key, hd.Day.Location().String(), len(hd.Ticks), len(hd.Surfaces), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("storage: insert day: %w", err)
	}

	tickStmt, err := tx.PrepareContext(ctx, s.rebind(
		"INSERT INTO ticks (day, seq, symbol, ts, last, bid, ask, mid, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("storage: prepare ticks: %w", err)
	}
	defer tickStmt.Close()
	for i, tk := range hd.Ticks {
		var vol sql.NullFloat64
		if tk.Volume != nil {
			vol = sql.NullFloat64{Float64: *tk.Volume, Valid: true}
		}
		if _, err := tickStmt.ExecContext(ctx, key, i, tk.Symbol, tk.Timestamp.UnixNano(),
			tk.Last, tk.BestBid, tk.BestAsk, tk.Mid, vol); err != nil {
			return fmt.Errorf("storage: insert tick %d: %w", i, err)
		}
	}

	surfStmt, err := tx.PrepareContext(ctx, s.rebind(
		"INSERT INTO iv_surfaces (id, day, seq, symbol, expiry, as_of, strikes) VALUES (?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("storage: prepare surfaces: %w", err)
	}
	defer surfStmt.Close()
	for i, sf := range hd.Surfaces {
		points := make([]strikePoint, 0, len(sf.Strikes))
		for _, k := range sf.SortedStrikes() {
			points = append(points, strikePoint{Strike: k, IV: sf.Strikes[k]})
		}
		raw, err := json.Marshal(points)
		if err != nil {
			return fmt.Errorf("storage: encode surface %s: %w", sf.ID, err)
		}
		if _, err := surfStmt.ExecContext(ctx, sf.ID, key, i, sf.Symbol,
			sf.Expiry.UnixNano(), sf.AsOf.UnixNano(), string(raw)); err != nil {
			return fmt.Errorf("storage: insert surface %s: %w", sf.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	s.log.Info("historical day saved",
		zap.String("day", key),
		zap.Int("ticks", len(hd.Ticks)),
		zap.Int("surfaces", len(hd.Surfaces)))
	return nil
}

// HistoricalDay 读取交易日；symbols 非空时只返回这些标的。
func (s *HistoryStore) HistoricalDay(ctx context.Context, day time.Time, symbols []string) (market.HistoricalDay, error) {
	key := day.Format(dayLayout)
	var tz string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT tz FROM days WHERE day = ?"), key).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return market.HistoricalDay{}, fmt.Errorf("%w: %s", ErrDayNotFound, key)
	}
	if err != nil {
		return market.HistoricalDay{}, fmt.Errorf("storage: load day %s: %w", key, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[sym] = true
	}
	keep := func(sym string) bool { return len(want) == 0 || want[sym] }

	y, m, d := day.Date()
	out := market.HistoricalDay{Day: time.Date(y, m, d, 0, 0, 0, 0, loc)}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT symbol, ts, last, bid, ask, mid, volume FROM ticks WHERE day = ? ORDER BY seq"), key)
	if err != nil {
		return market.HistoricalDay{}, fmt.Errorf("storage: query ticks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tk  market.Tick
			ts  int64
			vol sql.NullFloat64
		)
		if err := rows.Scan(&tk.Symbol, &ts, &tk.Last, &tk.BestBid, &tk.BestAsk, &tk.Mid, &vol); err != nil {
			return market.HistoricalDay{}, fmt.Errorf("storage: scan tick: %w", err)
		}
		if !keep(tk.Symbol) {
			continue
		}
		tk.Timestamp = time.Unix(0, ts).In(loc)
		if vol.Valid {
			v := vol.Float64
			tk.Volume = &v
		}
		out.Ticks = append(out.Ticks, tk)
	}
	if err := rows.Err(); err != nil {
		return market.HistoricalDay{}, fmt.Errorf("storage: read ticks: %w", err)
	}

	srows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT id, symbol, expiry, as_of, strikes FROM iv_surfaces WHERE day = ? ORDER BY as_of, seq"), key)
	if err != nil {
		return market.HistoricalDay{}, fmt.Errorf("storage: query surfaces: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var (
			sf           market.IvSurfaceSnapshot
			expiry, asOf int64
			raw          string
			points       []strikePoint
		)
		if err := srows.Scan(&sf.ID, &sf.Symbol, &expiry, &asOf, &raw); err != nil {
			return market.HistoricalDay{}, fmt.Errorf("storage: scan surface: %w", err)
		}
		if !keep(sf.Symbol) {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &points); err != nil {
			return market.HistoricalDay{}, fmt.Errorf("storage: decode surface %s: %w", sf.ID, err)
		}
		sf.Expiry = time.Unix(0, expiry).In(loc)
		sf.AsOf = time.Unix(0, asOf).In(loc)
		sf.Strikes = make(map[float64]float64, len(points))
		for _, p := range points {
			sf.Strikes[p.Strike] = p.IV
		}
		out.Surfaces = append(out.Surfaces, sf)
	}
	if err := srows.Err(); err != nil {
		return market.HistoricalDay{}, fmt.Errorf("storage: read surfaces: %w", err)
	}
	return out, nil
}

// DayInfo 已存储交易日的概要
type DayInfo struct {
	Day      string `json:"day"`
	Ticks    int    `json:"ticks"`
	Surfaces int    `json:"surfaces"`
}

// Days 列出已存储的交易日，按日期升序。
func (s *HistoryStore) Days(ctx context.Context) ([]DayInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT day, tick_count, surface_count FROM days ORDER BY day")
	if err != nil {
		return nil, fmt.Errorf("storage: list days: %w", err)
	}
	defer rows.Close()
	var out []DayInfo
	for rows.Next() {
		var d DayInfo
		if err := rows.Scan(&d.Day, &d.Ticks, &d.Surfaces); err != nil {
			return nil, fmt.Errorf("storage: scan day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
