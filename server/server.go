// Package server assembles and supervises the whole bot fleet: it acquires
// the single-instance lock, opens the shared store, builds the per-bot
// pipeline (runner, session manager, orchestrator, adapter) and keeps every
// adapter polling until shutdown.
//
// server 负责整机装配与监督：获取单实例锁、打开共享存储、为每个机器人组装
// 运行管线，并托管所有适配器直到进程退出。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/codexbot/codex"
	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/internal/lockfile"
	"github.com/hrygo/codexbot/internal/metrics"
	"github.com/hrygo/codexbot/orchestrator"
	"github.com/hrygo/codexbot/session"
	"github.com/hrygo/codexbot/store"
	"github.com/hrygo/codexbot/store/db/sqlite"
	"github.com/hrygo/codexbot/telegram"
)

// shutdownGrace bounds how long Run waits for in-flight agent runs and the
// metrics listener after the root context is canceled.
const shutdownGrace = 10 * time.Second

// BotAPIFactory builds the Telegram client for one bot token. Production
// uses tgbotapi.NewBotAPI; tests substitute a fake transport.
type BotAPIFactory func(token string) (telegram.API, error)

func defaultBotAPI(token string) (telegram.API, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return bot, nil
}

// Options configures the supervisor. Only Config is required.
type Options struct {
	Config    *config.App
	Logger    *slog.Logger
	NewBotAPI BotAPIFactory
}

// bot bundles the per-bot pipeline.
type bot struct {
	name    string
	adapter *telegram.Adapter
	orch    *orchestrator.Orchestrator
}

// Server owns every process-wide resource: the instance lock, the store, the
// metrics exporter, and one pipeline per configured bot.
type Server struct {
	cfg     *config.App
	logger  *slog.Logger
	lock    *lockfile.Lock
	store   *store.Store
	metrics *metrics.Exporter
	bots    []bot
}

// New acquires the instance lock, opens and migrates the store, and builds
// one pipeline per configured bot. Every failure here is fatal to startup;
// resources already acquired are released before returning.
func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newBotAPI := opts.NewBotAPI
	if newBotAPI == nil {
		newBotAPI = defaultBotAPI
	}
	if len(cfg.Bots) == 0 {
		return nil, errors.New("no bots configured")
	}

	if dir := filepath.Dir(cfg.Base.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	lock, err := lockfile.Acquire(cfg.Base.LockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("instance already running: %w", err)
		}
		return nil, err
	}

	driver, err := sqlite.NewDB(cfg.Base.DBPath)
	if err != nil {
		_ = lock.Release() //nolint:errcheck // startup unwind
		return nil, err
	}
	st := store.New(driver)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()     //nolint:errcheck // startup unwind
		_ = lock.Release() //nolint:errcheck // startup unwind
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		lock:    lock,
		store:   st,
		metrics: metrics.NewExporter(metrics.DefaultConfig()),
	}

	for i := range cfg.Bots {
		botCfg := &cfg.Bots[i]
		api, err := newBotAPI(botCfg.Token)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("bot %s: %w", botCfg.Name, err)
		}

		sessions := session.NewManager(st, botCfg.Name, logger)
		runner := codex.NewRunner(cfg, botCfg, logger)
		orch := orchestrator.New(orchestrator.Options{
			Bot:      botCfg,
			Base:     &cfg.Base,
			Store:    st,
			Sessions: sessions,
			Runner:   runner,
			Metrics:  s.metrics,
			Logger:   logger,
		})
		adapter := telegram.New(telegram.Options{
			API:          api,
			Orchestrator: orch,
			Bot:          botCfg,
			Base:         &cfg.Base,
			Metrics:      s.metrics,
			Logger:       logger,
		})
		s.bots = append(s.bots, bot{name: botCfg.Name, adapter: adapter, orch: orch})
		logger.Info("server: bot wired",
			"bot", botCfg.Name, "users", len(botCfg.AllowedUserIDs), "workdir", botCfg.Workdir)
	}

	return s, nil
}

// Run drives every adapter until ctx is canceled or one of them fails, then
// tears the fleet down: in-flight runs are canceled and awaited, the store
// is closed, and the instance lock is released.
func (s *Server) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, b := range s.bots {
		group.Go(func() error {
			if err := b.adapter.Run(groupCtx); err != nil {
				return fmt.Errorf("bot %s: %w", b.name, err)
			}
			return nil
		})
	}
	if s.cfg.Base.MetricsAddr != "" {
		group.Go(func() error {
			return s.serveMetrics(groupCtx)
		})
	}

	s.logger.Info("server: started", "bots", len(s.bots), "db", s.cfg.Base.DBPath)
	err := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, b := range s.bots {
		b.orch.Shutdown(shutdownCtx)
	}
	s.release()
	s.logger.Info("server: stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveMetrics exposes the Prometheus registry until ctx is canceled.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: s.cfg.Base.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server: metrics listener started", "addr", s.cfg.Base.MetricsAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // shutdown path
		return nil
	}
}

// release closes the store and drops the instance lock; safe to call once.
func (s *Server) release() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("server: close store failed", "error", err)
		}
		s.store = nil
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			s.logger.Warn("server: release lock failed", "error", err)
		}
		s.lock = nil
	}
}
