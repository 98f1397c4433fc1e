package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/control"
	"github.com/l1jgo/regiongc/internal/core/event"
	coresys "github.com/l1jgo/regiongc/internal/core/system"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/gc"
	"github.com/l1jgo/regiongc/internal/metrics"
	"github.com/l1jgo/regiongc/internal/pause"
	"github.com/l1jgo/regiongc/internal/persist"
	"github.com/l1jgo/regiongc/internal/protect"
	"github.com/l1jgo/regiongc/internal/region"
	"github.com/l1jgo/regiongc/internal/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), cfgPath)
	},
}

func serve(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, len(cfg.Deletion.Worlds))

	// ── 旗標儲存 ──
	printSection("旗標儲存")
	store, err := persist.Open(parent, cfg, log.Named("persist"))
	if err != nil {
		return fmt.Errorf("open flag store: %w", err)
	}
	defer store.Close()
	printStat("後端", cfg.Flags.Backend)
	cache := flag.New(store, log.Named("flag"), flag.OptionsFrom(cfg.Flags))

	added, err := cfg.EnsureResetMarkers(time.Now())
	if err != nil {
		log.Warn("無法寫入重設標記", zap.Error(err))
	}
	for _, w := range added {
		log.Info("開始收集造訪資料", zap.String("world", w), zap.Time("deletion_starts", cfg.ResetMarkers[w]))
	}
	printOK("旗標快取就緒")

	// ── 監控 ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sw := pause.New()
	sw.OnChange(func(paused bool, reason string) {
		m.SetPaused(paused)
		if paused {
			log.Warn("刪除已暫停", zap.String("reason", reason))
		} else {
			log.Info("刪除已恢復")
		}
	})

	// ── 世界與保護 ──
	printSection("世界與保護")
	dirs := worldDirs(cfg)
	storage := region.NewDirStorage(dirs)
	regions := region.NewStore(storage, cache, log.Named("region"))
	for _, w := range cfg.Deletion.Worlds {
		printStat(w, dirs[w])
	}

	oracle := protect.NewOracle(protect.DefaultRegistry(), sw, canaryWorld(cfg), log.Named("protect"))
	oracle.SetDebug(cfg.Deletion.DebugLevel)
	if err := oracle.Enable(parent, cfg); err != nil {
		printWarn("部分保護模組啟用失敗")
		log.Error("保護模組啟用失敗", zap.Error(err))
	}
	if names := oracle.Names(); len(names) > 0 {
		printStat("保護模組", strings.Join(names, ", "))
	} else {
		printStat("保護模組", "無")
	}

	sched := gc.NewScheduler(regions, cache, oracle, sw, m, gc.SettingsFrom(cfg), log.Named("gc"))
	printOK("排程器就緒")

	// ── 主迴圈 ──
	printSection("主迴圈")
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reports := event.NewQueue[event.Report](cfg.Host.IngestQueueSize)
	bus := event.NewBus()
	flagger := system.NewFlaggerSystem(bus, cache, system.FlaggerOptionsFrom(cfg), log.Named("flagger"))
	activation := system.NewActivationSystem(ctx, sched, cfg.Host.ActivationInterval, log.Named("activation"))

	runner := coresys.NewRunner()
	runner.Register(system.NewIngestSystem(reports, bus, cfg.Host.MaxEventsPerTick, log.Named("ingest")))
	runner.Register(system.NewDispatchSystem(bus))
	runner.Register(flagger)
	runner.Register(activation)
	runner.Register(system.NewTelemetrySystem(cache, m, 5*time.Second))
	printStat("系統數", fmt.Sprintf("%d", runner.Len()))
	printStat("Tick", cfg.Host.TickRate.String())
	if cfg.Host.InputPoll > 0 && cfg.Host.InputPoll < cfg.Host.TickRate {
		printStat("輸入輪詢", cfg.Host.InputPoll.String())
	}

	// Runner systems are not safe for concurrent use; reload changes their
	// options from the config watcher goroutine.
	var (
		tickMu   sync.Mutex
		reloadMu sync.Mutex
		current  = cfg
	)
	reload := func(ctx context.Context) error {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		next, err := config.Load(current.Path())
		if err != nil {
			return err
		}
		if next.Flags.Backend != current.Flags.Backend {
			log.Warn("旗標後端變更需重新啟動才會生效",
				zap.String("current", current.Flags.Backend), zap.String("configured", next.Flags.Backend))
		}
		if added, err := next.EnsureResetMarkers(time.Now()); err != nil {
			log.Warn("無法寫入重設標記", zap.Error(err))
		} else {
			for _, w := range added {
				log.Info("開始收集造訪資料", zap.String("world", w), zap.Time("deletion_starts", next.ResetMarkers[w]))
			}
		}

		storage.SetWorlds(worldDirs(next))
		sched.Reconfigure(gc.SettingsFrom(next))
		tickMu.Lock()
		flagger.SetOptions(system.FlaggerOptionsFrom(next))
		tickMu.Unlock()
		activation.SetInterval(next.Host.ActivationInterval)

		oracle.SetDebug(next.Deletion.DebugLevel)
		if err := oracle.Reload(ctx, next); err != nil {
			log.Error("保護模組啟用失敗", zap.Error(err))
		}
		current = next
		log.Info("設定已重新載入", zap.Int("worlds", len(next.Deletion.Worlds)))
		return nil
	}

	svc := control.NewService(control.Deps{
		Scheduler: sched,
		Flags:     cache,
		Regions:   regions,
		Oracle:    oracle,
		Pause:     sw,
		Reports:   reports,
		Reload:    reload,
		Log:       log.Named("control"),
	})
	srv := control.NewServer(cfg.Control.BindAddress, control.NewRouter(svc, reg, log.Named("http")), log.Named("http"))
	printStat("控制介面", cfg.Control.BindAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, cfg.Path(), log.Named("config"), func() {
			if err := reload(gctx); err != nil {
				log.Error("設定重新載入失敗", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		hostLoop(gctx, runner, &tickMu, cfg.Host.TickRate, cfg.Host.InputPoll)
		return nil
	})

	fmt.Println()
	printReady("regiongc 已啟動")
	fmt.Println()

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("收到關閉信號")
	}

	tickMu.Lock()
	flagger.Flush()
	tickMu.Unlock()
	oracle.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.Flags.ShutdownTimeout+5*time.Second)
	defer cancel()
	if serr := cache.Shutdown(shutdownCtx); serr != nil {
		log.Error("旗標寫入失敗", zap.Error(serr))
	} else {
		log.Info("旗標已全部寫入")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("regiongc 已關閉")
	return nil
}

// hostLoop runs a full tick every tickRate. With a poll interval shorter
// than the tick, only the input phase runs in between so bursts of reports
// leave the bounded queue before it fills. It returns when ctx ends.
func hostLoop(ctx context.Context, runner *coresys.Runner, mu sync.Locker, tickRate, poll time.Duration) {
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	var pollC <-chan time.Time
	if poll > 0 && poll < tickRate {
		pt := time.NewTicker(poll)
		defer pt.Stop()
		pollC = pt.C
	}

	last := time.Now()
	lastPoll := last
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-pollC:
			mu.Lock()
			runner.TickPhase(coresys.PhaseInput, now.Sub(lastPoll))
			mu.Unlock()
			lastPoll = now
		case now := <-ticker.C:
			mu.Lock()
			runner.Tick(now.Sub(last))
			mu.Unlock()
			last, lastPoll = now, now
		}
	}
}

// worldDirs is the directory of every configured world, deletion target or not.
func worldDirs(cfg *config.Config) map[string]string {
	dirs := make(map[string]string, len(cfg.Worlds))
	for name, w := range cfg.Worlds {
		dirs[name] = w.Dir
	}
	return dirs
}

// canaryWorld is the world the adapter self-test asks about.
func canaryWorld(cfg *config.Config) string {
	if len(cfg.Deletion.Worlds) > 0 {
		return cfg.Deletion.Worlds[0]
	}
	return "world"
}

