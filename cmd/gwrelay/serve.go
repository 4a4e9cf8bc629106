package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/geoweaver/gwrelay/history"
	"github.com/geoweaver/gwrelay/history/memstore"
	"github.com/geoweaver/gwrelay/history/postgres"
	"github.com/geoweaver/gwrelay/history/sqlite"
	"github.com/geoweaver/gwrelay/internal/config"
	"github.com/geoweaver/gwrelay/relay"
	"github.com/geoweaver/gwrelay/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of a YAML config file. Flags override its values.",
				EnvVars: []string{"GWRELAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				EnvVars: []string{"GWRELAY_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"GWRELAY_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "tls-dir",
				Usage:   "Serve mutual TLS with the certificates in this directory, see the certs command.",
				EnvVars: []string{"GWRELAY_TLS_DIR"},
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Where history records are kept. One of [memory,sqlite,postgres].",
				EnvVars: []string{"GWRELAY_STORE"},
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "The SQLite database file, for --store sqlite.",
				EnvVars: []string{"GWRELAY_SQLITE_PATH"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "The PostgreSQL connection string, for --store postgres.",
				EnvVars: []string{"GWRELAY_POSTGRES_DSN"},
			},
		},
		Action: serve,
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("tls-dir") {
		cfg.TLSDir = c.String("tls-dir")
	}
	if c.IsSet("store") {
		cfg.Store.Driver = c.String("store")
	}
	if c.IsSet("sqlite-path") {
		cfg.Store.SQLitePath = c.String("sqlite-path")
	}
	if c.IsSet("postgres-dsn") {
		cfg.Store.PostgresDSN = c.String("postgres-dsn")
	}
	return cfg, cfg.Validate()
}

// openStore opens the configured store. The returned func closes it.
func openStore(ctx context.Context, cfg config.Store) (history.Store, func(), error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		err = s.EnsureSchema(ctx)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

// newLogger builds the logger shared by every server component, filtered at level.
func newLogger(level string) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(l)), nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer closeStore()

	manager := history.NewManager(store, history.NewStatusCache(), history.WithManagerLogger(logger.Sugar()))
	sessions := session.NewRegistry(
		session.WithRegistryLogger(logger.Sugar()),
		session.WithPollBuffer(cfg.PollBuffer()),
	)

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithListenAddr(cfg.ListenAddr),
		relay.WithSessions(sessions),
		relay.WithMaxPollWait(cfg.Poll.MaxWait),
		relay.WithStreamOptions(cfg.StreamOptions()...),
	}
	if cfg.TLSDir != "" {
		certs, err := relay.ReadCertsDir(cfg.TLSDir)
		if err != nil {
			return err
		}
		tlsConfig, err := certs.ServerTLSConfig()
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		opts = append(opts, relay.WithTLSConfig(tlsConfig))
	}

	server, err := relay.NewServer(manager, opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	go func() {
		<-ctx.Done()
		err := server.Stop()
		if err != nil {
			logger.Sugar().Warnf("error stopping server: %s", err)
		}
	}()

	return server.Run()
}
