package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/config"
	"trading-sim-go/infrastructure/logger"
	"trading-sim-go/market"
	"trading-sim-go/storage"
)

const dayLayout = "2006-01-02"

// dayrecord 用合成行情生成历史交易日并写入存储，供回放使用。
func main() {
	cfgPath := flag.String("config", "", "配置文件路径（可选，读取 storage 与 source 配置）")
	driver := flag.String("driver", "sqlite", "存储驱动：sqlite 或 postgres")
	dsn := flag.String("dsn", "data/history.db", "存储 DSN")
	from := flag.String("from", "", "起始日期 YYYY-MM-DD")
	to := flag.String("to", "", "结束日期 YYYY-MM-DD（含），缺省同 from")
	symbols := flag.String("symbols", "BRN", "逗号分隔的标的")
	seed := flag.Int64("seed", 0, "随机种子，0 表示按日期")
	flag.Parse()

	lg, err := logger.New(logger.Config{Level: "info", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	sc := market.DefaultSyntheticConfig()
	if *seed != 0 {
		sc.Seed = seed
	}
	if *cfgPath != "" {
		cfg, err := config.LoadWithEnvOverrides(*cfgPath)
		if err != nil {
			log.Fatalf("加载配置失败: %v", err)
		}
		*driver, *dsn = cfg.Storage.Driver, cfg.Storage.DSN
		if cfg.Source.BasePrice > 0 {
			sc.BasePrice = cfg.Source.BasePrice
		}
		if cfg.Source.Volatility > 0 {
			sc.Volatility = cfg.Source.Volatility
		}
		if sc.Seed == nil {
			sc.Seed = cfg.Source.Seed
		}
	}

	start, err := time.Parse(dayLayout, *from)
	if err != nil {
		log.Fatalf("-from 必须为 YYYY-MM-DD: %v", err)
	}
	end := start
	if *to != "" {
		if end, err = time.Parse(dayLayout, *to); err != nil {
			log.Fatalf("-to 必须为 YYYY-MM-DD: %v", err)
		}
	}
	if end.Before(start) {
		log.Fatal("-to 早于 -from")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, *driver, *dsn, lg.Logger)
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer store.Close()

	cal := market.NewCalendar("xnys")
	sc.Calendar = cal
	sc.Logger = lg.Logger
	gen := market.NewSyntheticGenerator(sc)
	syms := strings.Split(*symbols, ",")

	saved := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if !cal.IsTradingDay(day) {
			lg.Info("skip non-trading day", zap.String("day", day.Format(dayLayout)))
			continue
		}
		hd, err := gen.HistoricalDay(ctx, day, syms)
		if err != nil {
			lg.Error("synthesize failed", zap.String("day", day.Format(dayLayout)), zap.Error(err))
			os.Exit(1)
		}
		if err := store.SaveDay(ctx, hd); err != nil {
			lg.Error("save failed", zap.String("day", day.Format(dayLayout)), zap.Error(err))
			os.Exit(1)
		}
		saved++
	}
	lg.Info("done", zap.Int("days", saved), zap.Strings("symbols", syms))
}
