// Command chatsim runs a development chat server for the chatsync client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/internal/chatsim"
	"github.com/putto11262002/chatsync/pkg/server"
	"github.com/spf13/pflag"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "config file (default ./chatsync.yaml if present)")
	envFiles := pflag.StringSlice("env", nil, "env files to load (default .env)")
	pflag.Parse()

	loader := &chatsync.EnvConfigLoader{File: *configFile, DotEnv: *envFiles}
	config, err := loader.LoadSim()
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}
	if err := config.Validate(); err != nil {
		failed(1, "invalid config:\n%s", chatsync.FormatValidationErrors(err))
	}
	logger := config.Log.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	db, err := chatsim.OpenSQLiteDB(config.SQLite.File, &chatsim.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	})
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	defer db.Close()

	srv := chatsim.NewServer(ctx, db.DB, chatsim.ServerConfig{
		Secret:          config.Auth.Secret,
		TokenExpiration: config.Auth.TokenExpiration,
		AllowedOrigins:  config.AllowedOrigins,
		Logger:          logger,
	})
	if err := seed(ctx, srv.Users(), config.Seed, logger); err != nil {
		failed(1, "failed to seed users: %v\n", err)
	}

	s := &server.Server{
		Server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
			Handler: srv,
		},
		CleanUpFuncs: []func(context.Context){
			func(context.Context) { srv.Close() },
		},
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger,
	}
	if err := s.Start(ctx); err != nil {
		failed(1, "server error: %v\n", err)
	}
	logger.Info("chatsim shut down")
}

// seed registers username:password users that do not exist yet.
func seed(ctx context.Context, users *chatsim.UserStore, entries []string, logger *slog.Logger) error {
	for _, entry := range entries {
		username, password, _ := strings.Cut(entry, ":")
		existing, err := users.GetUserByUsername(ctx, username)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		u, err := users.CreateUser(ctx, chatsim.UserCreateInput{
			Username:  username,
			Password:  password,
			FirstName: username,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", username, err)
		}
		logger.Info("seeded user", slog.String("username", u.Username), slog.Int64("user_id", u.ID))
	}
	return nil
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
