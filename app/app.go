package chatsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/chatsync/core"
)

const shutdownTimeout = 10 * time.Second

// App is a line oriented chat client: commands and messages are read from in,
// session events are written to out.
type App struct {
	config  *Config
	context context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	in  io.Reader
	out io.Writer
	// outMu serializes writes to out from the command and event goroutines.
	outMu sync.Mutex

	registry      *prometheus.Registry
	metrics       *core.Metrics
	metricsServer *http.Server
	transport     *core.Transport
	api           *core.HTTPChatAPI
	session       *core.Session
	eventRouter   *core.EventRouter

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// New loads and validates the configuration, obtains a credential and builds the
// session. Nothing is connected until Run.
func New(ctx context.Context, loader ConfigLoader, in io.Reader, out io.Writer) (*App, error) {
	config, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{config: config, in: in, out: out}
	app.context, app.cancel = context.WithCancel(ctx)
	app.logger = config.Log.NewLogger(os.Stderr)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = core.NewMetrics(app.registry)

	httpClient := &http.Client{Timeout: config.Server.Timeout}
	credential, err := app.credential(ctx, httpClient)
	if err != nil {
		app.cancel()
		return nil, err
	}

	app.transport = core.NewTransport(config.TransportConfig(),
		core.WithTransportLogger(app.logger.With(slog.String("component", "transport"))),
		core.WithTransportMetrics(app.metrics),
	)
	app.api = core.NewHTTPChatAPI(config.Server.BaseURL, core.StaticCredential(credential), httpClient,
		core.WithServerLocation(config.ServerLocation()),
	)
	app.session, err = core.NewSession(credential, app.transport, app.api,
		core.WithSessionConfig(config.SessionConfig()),
		core.WithSessionLogger(app.logger.With(slog.String("component", "session"))),
		core.WithSessionMetrics(app.metrics),
	)
	if err != nil {
		app.cancel()
		return nil, fmt.Errorf("new session: %w", err)
	}
	app.AddCleanupFunc(func(context.Context) {
		app.session.Close()
	})

	app.eventRouter = core.NewEventRouter(app.logger)
	app.registerEventHandlers()

	if config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metricsHandler())
		app.metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}
		app.AddCleanupFunc(func(ctx context.Context) {
			app.metricsServer.Shutdown(ctx)
		})
	}
	return app, nil
}

func (app *App) metricsHandler() http.Handler {
	return promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry})
}

// credential uses the configured token when present and signs in otherwise.
func (app *App) credential(ctx context.Context, client *http.Client) (core.Credential, error) {
	auth := app.config.Auth
	if auth.Token != "" {
		c, err := core.CredentialFromToken(auth.Token, auth.UserID)
		if err != nil {
			return core.Credential{}, fmt.Errorf("credential from token: %w", err)
		}
		return c, nil
	}
	authenticator := &core.HTTPAuthenticator{BaseURL: app.config.Server.BaseURL, Client: client}
	c, err := authenticator.Signin(ctx, auth.Username, auth.Password)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sign in: %w", err)
	}
	app.logger.Info("signed in", slog.String("user_id", c.UserID))
	return c, nil
}

// Run connects the session and processes input until it ends, /quit is entered,
// the session closes or the context is cancelled. It then runs the cleanup funcs.
func (app *App) Run() error {
	defer app.shutdown()

	if app.metricsServer != nil {
		go func() {
			app.logger.Info("serving metrics", slog.String("addr", app.metricsServer.Addr))
			if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("metrics server", slog.Any("error", err))
			}
		}()
	}

	app.wg.Add(1)
	go app.eventRouter.Listen(app.context, &app.wg, app.session.Events())

	if err := app.session.Start(app.context); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	app.printf("connected as user %s, %d chats. type /help for commands\n",
		app.session.UserID(), len(app.session.Chats()))

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- app.readCommands()
	}()

	select {
	case err := <-inputDone:
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	case <-app.session.Done():
		return core.ErrSessionClosed
	case <-app.context.Done():
		return nil
	}
}

func (app *App) readCommands() error {
	scanner := bufio.NewScanner(app.in)
	for scanner.Scan() {
		if err := app.execute(app.context, scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return err
			}
			app.printf("error: %v\n", err)
		}
		if app.context.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func (app *App) shutdown() {
	app.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, f := range app.cleanupFuncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
	case <-ctx.Done():
		app.logger.Warn("app shutdown timed out")
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func (app *App) printf(format string, args ...any) {
	app.outMu.Lock()
	defer app.outMu.Unlock()
	fmt.Fprintf(app.out, format, args...)
}
