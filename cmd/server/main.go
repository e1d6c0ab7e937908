package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/authchat/internal/logging"
	"github.com/Tyrowin/authchat/internal/server"
	"github.com/Tyrowin/authchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "YAML config file (environment variables override it)")
	port := flag.String("port", "", "HTTP bind address, e.g. :8080")
	dbPath := flag.String("db", "", "SQLite credential database path")
	memory := flag.Bool("memory", false, "Keep credentials in memory instead of SQLite")
	exportUsers := flag.Bool("export-users", false, "Print registered usernames as YAML and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if err := logging.Setup(logging.Options{Level: *logLevel, Format: *logFormat, Output: os.Stdout}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	cfg := server.NewConfigFromEnv()
	if *configFile != "" {
		loaded, err := server.LoadConfigFile(*configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	st, err := openStore(cfg.DBPath, *memory)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if *exportUsers {
		return writeUsers(st)
	}

	return serve(*cfg, st)
}

type listingStore interface {
	store.Store
	Usernames(ctx context.Context) ([]string, error)
}

func openStore(path string, memory bool) (listingStore, error) {
	if memory {
		slog.Warn("using in-memory credential store; registrations are lost on exit")
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(path, store.SQLiteOptions{})
	if err != nil {
		return nil, err
	}
	slog.Info("opened credential store", "path", path)
	return st, nil
}

func writeUsers(st listingStore) error {
	names, err := st.Usernames(context.Background())
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(struct {
		Users []string `yaml:"users"`
	}{Users: names})
	if err != nil {
		return fmt.Errorf("export users: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func serve(cfg server.Config, st store.Store) error {
	logger := slog.Default()
	chat, err := server.New(cfg, server.Dependencies{Store: st, Logger: logger})
	if err != nil {
		return err
	}
	cfg = chat.Config()

	listener := server.NewWebSocketListener(cfg, logger)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(listener, chat.Metrics()))
	chat.Metrics().StartPeriodicLog(logger, cfg.MetricsLogInterval, chat.Done())

	errCh := make(chan error, 2)
	go func() { errCh <- chat.Serve(context.Background(), listener) }()
	go func() { errCh <- server.StartServer(httpServer) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received signal; shutting down", "signal", sig.String())
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("server stopped", "err", runErr)
		}
	}

	shutdownStarted := time.Now()
	_ = listener.Close()
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if err := chat.Shutdown(cfg.ShutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	slog.Info("shutdown finished", "took", time.Since(shutdownStarted).Round(time.Millisecond))
	return runErr
}
