// Package app wires tally's components with fx.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/actions"
	"github.com/metalagman/tally/internal/assistant"
	"github.com/metalagman/tally/internal/config"
	"github.com/metalagman/tally/internal/db"
	"github.com/metalagman/tally/internal/ledger"
	"github.com/metalagman/tally/internal/llm"
	"github.com/metalagman/tally/internal/network"
	"github.com/metalagman/tally/internal/notify"
	"github.com/metalagman/tally/internal/queue"
	"github.com/metalagman/tally/internal/router"
	"github.com/metalagman/tally/internal/rules"
	"github.com/metalagman/tally/internal/safety"
	"github.com/metalagman/tally/internal/web"
)

// Core provides the conversational core for cfg.
func Core(cfg config.Config) fx.Option {
	return fx.Module("tally",
		fx.Supply(cfg),
		fx.Provide(
			openDB,
			newLedger,
			db.NewStore,
			newRegistry,
			newRules,
			newClassifier,
			newMonitor,
			newRouter,
			newQueue,
			newAssistant,
			newSinks,
		),
		fx.Invoke(forwardNotifications, pruneOnStart),
	)
}

// Server adds the HTTP listener to Core.
func Server() fx.Option {
	return fx.Options(
		fx.Provide(newWebServer),
		fx.Invoke(serveHTTP),
	)
}

func openDB(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(conn.Close))
	return conn, nil
}

func newLedger(conn *sql.DB) *ledger.Store {
	return ledger.NewStore(conn)
}

func newRules() (*rules.Engine, error) {
	return rules.Default()
}

func newRegistry(cfg config.Config, l *ledger.Store) (*action.Registry, error) {
	reg := action.NewRegistry()
	err := actions.Register(reg, actions.Deps{
		Ledger: l,
		Safety: safety.NewClassifier(safety.WithThresholds(cfg.Safety), safety.WithClock(l.Now)),
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// newClassifier falls back to the disabled classifier when the model
// cannot be configured, leaving the router on rules.
func newClassifier(lc fx.Lifecycle, cfg config.Config, reg *action.Registry) llm.Classifier {
	if !cfg.LLM.Enabled {
		return llm.Disabled{}
	}
	gen, err := llm.NewGenerator(context.Background(), cfg.LLM, nil)
	if err != nil {
		log.Warn().Err(err).Msg("language model disabled")
		return llm.Disabled{}
	}
	g := llm.NewGemini(gen, llm.WithActionCatalog(reg.IDs))
	lc.Append(fx.StartHook(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Router.LLMTimeout)
			defer cancel()
			if err := g.Warmup(ctx); err != nil {
				log.Debug().Err(err).Msg("warmup failed")
			}
		}()
	}))
	return g
}

func newMonitor(lc fx.Lifecycle, cfg config.Config, probe llm.Classifier) *network.Monitor {
	conn := network.NewDialConnectivity(cfg.Network.ProbeAddr, cfg.Network.ProbeTimeout)
	m := network.NewMonitor(conn, probe, cfg.Network)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go conn.Watch(ctx, cfg.Network.Interval)
			m.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			m.Wait()
			return nil
		},
	})
	return m
}

func newRouter(cfg config.Config, engine *rules.Engine, classifier llm.Classifier, m *network.Monitor) *router.Router {
	return router.New(engine, classifier, m, cfg.Router)
}

func newQueue(lc fx.Lifecycle, cfg config.Config, reg *action.Registry, journal *db.Store) *queue.Queue {
	q := queue.New(queue.NewActionRunner(reg), cfg.Queue, queue.WithJournal(journal))
	lc.Append(fx.StopHook(q.Close))
	return q
}

func newAssistant(lc fx.Lifecycle, cfg config.Config, r *router.Router, reg *action.Registry,
	engine *rules.Engine, q *queue.Queue, m *network.Monitor,
) *assistant.Assistant {
	a := assistant.New(assistant.Config{
		Router:   r,
		Registry: reg,
		Replies:  engine,
		Executor: cfg.Executor,
		Queue:    q,
		Network:  m,
	})
	var stop func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			stop = a.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			if stop != nil {
				stop()
			}
			return nil
		},
	})
	return a
}

func newSinks(lc fx.Lifecycle, cfg config.Config) ([]notify.Sink, error) {
	sinks, err := notify.Open(cfg.Notify)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error { return notify.CloseAll(sinks) }))
	return sinks, nil
}

func forwardNotifications(lc fx.Lifecycle, a *assistant.Assistant, sinks []notify.Sink) {
	if len(sinks) == 0 {
		return
	}
	notes, unsubscribe := a.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				notify.Forward(ctx, notes, sinks...)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			unsubscribe()
			return nil
		},
	})
}

// Maintenance is the outcome of Prune.
type Maintenance struct {
	Journal db.PruneResult
	Purged  int
}

// Prune applies the retention policy to the task journal and empties the
// part of the ledger trash older than TrashDays. With dryRun nothing is
// deleted from the journal and the trash is left alone.
func Prune(ctx context.Context, cfg config.RetentionConfig, journal *db.Store, l *ledger.Store, dryRun bool) (Maintenance, error) {
	var m Maintenance
	res, err := journal.PruneTasks(ctx, cfg.Journal(), l.Now(), dryRun)
	if err != nil {
		return m, err
	}
	m.Journal = res
	if cfg.TrashDays > 0 && !dryRun {
		n, err := l.PurgeTrash(ctx, time.Duration(cfg.TrashDays)*24*time.Hour)
		if err != nil {
			return m, err
		}
		m.Purged = n
	}
	return m, nil
}

func pruneOnStart(lc fx.Lifecycle, cfg config.Config, journal *db.Store, l *ledger.Store) {
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		m, err := Prune(ctx, cfg.Retention, journal, l, false)
		if err != nil {
			return err
		}
		log.Debug().Int("journal_deleted", m.Journal.Deleted).Int("trash_purged", m.Purged).Msg("retention applied")
		return nil
	}))
}

func newWebServer(a *assistant.Assistant, q *queue.Queue, journal *db.Store, m *network.Monitor) (*web.Server, error) {
	return web.NewServer(a, q, journal, m)
}

func serveHTTP(lc fx.Lifecycle, cfg config.Config, srv *web.Server) {
	hs := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", hs.Addr)
			if err != nil {
				return err
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			go func() {
				if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return hs.Shutdown(ctx)
		},
	})
}
