package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/wappabot/wappa/internal/audit"
	"github.com/wappabot/wappa/internal/config"
	"github.com/wappabot/wappa/internal/db"
	"github.com/wappabot/wappa/internal/gateway"
	"github.com/wappabot/wappa/internal/help"
	"github.com/wappabot/wappa/internal/logger"
	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/permission"
	"github.com/wappabot/wappa/internal/router"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/server"
	"github.com/wappabot/wappa/internal/services"
	"github.com/wappabot/wappa/internal/session"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/storage"
	"github.com/wappabot/wappa/internal/typeparse"
	"github.com/wappabot/wappa/internal/webhook"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStateStore,
			provideAuditSink,
			provideLoader,
			provideTypeParser,
			provideHelpRenderer,
			provideStateManager,
			provideCommandParser,
			permission.NewManager,
			provideSessionEngine,
			storage.NewManager,
			provideGatewayClient,
			provideRouter,
			provideServerHandler(provideWebhookHandler),
			provideServer,
		),
		fx.Invoke(
			loadState,
			registerHandlers,
			startSessionSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideDBConn opens Postgres and runs migrations. Memory-state runs skip
// the database entirely and get a nil pool.
func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Bot.MemoryState {
		return nil, nil
	}
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideStateStore(cfg config.Config, pool *pgxpool.Pool) state.Store {
	if cfg.Bot.MemoryState || pool == nil {
		return state.NewMemoryStore()
	}
	return state.NewPgStore(pool)
}

func provideAuditSink(log *slog.Logger, cfg config.Config, pool *pgxpool.Pool) audit.Sink {
	if cfg.Bot.MemoryState || pool == nil {
		return audit.NewMemorySink()
	}
	return audit.NewPgSink(log, pool)
}

func provideLoader(log *slog.Logger) (*schema.Loader, error) {
	return schema.NewLoader(log)
}

func provideTypeParser(loader *schema.Loader) *typeparse.Parser {
	return typeparse.New(loader)
}

func provideHelpRenderer(loader *schema.Loader, types *typeparse.Parser) *help.Renderer {
	return help.NewRenderer(loader, types)
}

func provideStateManager(log *slog.Logger, store state.Store, cfg config.Config) *state.Manager {
	return state.NewManager(log, store, cfg.Bot.RootUser)
}

func provideCommandParser(log *slog.Logger, loader *schema.Loader, types *typeparse.Parser) *parser.Parser {
	return parser.New(log, loader, types)
}

func provideSessionEngine(log *slog.Logger, loader *schema.Loader, types *typeparse.Parser, cfg config.Config) *session.Engine {
	timeout := time.Duration(cfg.Bot.SessionTimeoutMinutes) * time.Minute
	return session.NewEngine(log, loader, types, timeout)
}

func provideGatewayClient(log *slog.Logger, cfg config.Config) *gateway.Client {
	return gateway.NewClient(log, cfg.Gateway)
}

func provideRouter(
	log *slog.Logger,
	cfg config.Config,
	loader *schema.Loader,
	p *parser.Parser,
	types *typeparse.Parser,
	perms *permission.Manager,
	sessions *session.Engine,
	store *storage.Manager,
	states *state.Manager,
	sink audit.Sink,
	client *gateway.Client,
) *router.Router {
	r := router.New(log, loader, p, types, perms, sessions, store, states, sink, client)
	r.SetPrefixes(cfg.Bot.RootPrefix, cfg.Bot.AdminPrefix)
	return r
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, r *router.Router) *webhook.Handler {
	return webhook.NewHandler(log, r, cfg.Gateway.Token, cfg.Bot.DeviceID)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

// loadState restores the bot-state document before any traffic arrives and
// seeds the configured invoke pattern if the document has none yet.
func loadState(lc fx.Lifecycle, states *state.Manager, cfg config.Config) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		if err := states.Load(ctx); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if pattern := cfg.Bot.InvokePrefixPattern; pattern != "" {
			if _, err := parser.CompileInvokePattern(pattern); err != nil {
				return fmt.Errorf("invoke prefix pattern: %w", err)
			}
			err := states.WithRoot(ctx, func(root *state.RootState) error {
				if root.Settings == nil {
					root.Settings = map[string]any{}
				}
				if _, ok := root.Settings["invokePrefixPattern"]; !ok {
					root.Settings["invokePrefixPattern"] = pattern
				}
				return nil
			})
			if err != nil {
				return err
			}
			return states.Persist(ctx)
		}
		return nil
	}})
}

func registerHandlers(
	log *slog.Logger,
	loader *schema.Loader,
	types *typeparse.Parser,
	helpRenderer *help.Renderer,
	states *state.Manager,
	client *gateway.Client,
) error {
	return services.Register(services.Deps{
		Logger:       log,
		Loader:       loader,
		Types:        types,
		Help:         helpRenderer,
		States:       states,
		Participants: client,
	})
}

// startSessionSweeper expires abandoned prompt sessions in the background;
// expiry is also checked lazily on the next message.
func startSessionSweeper(lc fx.Lifecycle, log *slog.Logger, states *state.Manager, sessions *session.Engine) {
	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		if err := states.SweepSessions(context.Background(), sessions.Timeout()); err != nil {
			log.Error("session sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		log.Error("session sweeper schedule failed", slog.String("error", err.Error()))
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { c.Start(); return nil },
		OnStop:  func(ctx context.Context) error { <-c.Stop().Done(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, r *router.Router, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return r.Shutdown(ctx)
		},
	})
}
