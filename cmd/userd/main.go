// Package main runs the user service: command and query buses over HTTP,
// state in SQL with a transactional outbox, events relayed to NATS JetStream
// and projected into a Badger-backed read model.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/codewandler/cqrs-go/adapters/badgerstore"
	"github.com/codewandler/cqrs-go/adapters/nats"
	promadapter "github.com/codewandler/cqrs-go/adapters/prometheus"
	"github.com/codewandler/cqrs-go/adapters/sqlstore"
	"github.com/codewandler/cqrs-go/core/app"
	"github.com/codewandler/cqrs-go/core/cqrs"
	"github.com/codewandler/cqrs-go/domain/user"
)

type config struct {
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// DBDriver is "sqlite" or "pgx".
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"userd.db"`

	NatsURL    string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	BadgerPath string `env:"BADGER_PATH" envDefault:"userd-view"`

	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2112"`

	Context string `env:"EVENT_CONTEXT" envDefault:"users"`
	Durable string `env:"PROJECTOR_DURABLE" envDefault:"user-view"`

	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"250ms"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("config", slog.Any("error", err))
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil {
		log.Error("userd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config) error {
	metrics := promadapter.NewEngineMetrics(promclient.DefaultRegisterer)

	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if cfg.DBDriver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	dialect := sqlstore.DialectSQLite
	if cfg.DBDriver == "pgx" {
		dialect = sqlstore.DialectPostgres
	}

	outbox := sqlstore.NewOutbox(db, dialect)
	if err := outbox.Migrate(ctx); err != nil {
		return err
	}

	gen := cqrs.UUIDs()

	repo := user.NewSQLRepository(log, db, outbox, gen).WithMetrics(metrics)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	broker, err := nats.NewBroker(nats.BrokerConfig{
		Connect: nats.ConnectURL(cfg.NatsURL),
		Log:     log,
		Context: cfg.Context,
		Durable: cfg.Durable,
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Close()

	view, err := badgerstore.Open(cfg.BadgerPath, log)
	if err != nil {
		return err
	}
	defer view.Close()
	readStore := user.NewCachedReadStore(user.NewBadgerReadStore(view), 1024, 30*time.Second)

	engine, err := app.New(app.Config{
		Log:           log,
		Metrics:       metrics,
		Outbox:        outbox,
		Publisher:     cqrs.NewRetryingPublisher(log, broker, cqrs.WithMetrics(metrics)),
		Source:        broker,
		DeadLetter:    broker,
		Decoder:       user.Events(),
		Projection:    user.NewProjection(readStore),
		ProjectorName: cfg.Durable,
		RelayInterval: cfg.RelayInterval,
		Middleware:    []cqrs.Middleware{cqrs.NewLogMiddleware(log)},
	})
	if err != nil {
		return err
	}

	if err := user.NewHandlers(repo, gen).Register(engine.Commands()); err != nil {
		return err
	}
	if err := user.NewQueryHandlers(readStore).Register(engine.Queries()); err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(ctx, log.With(slog.String("server", "api")), &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: newAPI(log, engine.Commands(), engine.Queries(), gen),
		})
	})

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serve(ctx, log.With(slog.String("server", "metrics")), &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promMux,
		})
	})

	log.Info("userd started",
		slog.String("http", cfg.HTTPAddr),
		slog.String("metrics", cfg.MetricsAddr),
		slog.String("db", cfg.DBDriver),
	)
	return g.Wait()
}

// serve runs one HTTP server until the context is canceled, then shuts it
// down gracefully.
func serve(ctx context.Context, log *slog.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

type api struct {
	log      *slog.Logger
	commands *cqrs.CommandBus
	queries  *cqrs.QueryBus
	gen      cqrs.IDGenerator
}

func newAPI(log *slog.Logger, commands *cqrs.CommandBus, queries *cqrs.QueryBus, gen cqrs.IDGenerator) http.Handler {
	a := &api{log: log, commands: commands, queries: queries, gen: gen}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", a.registerUser)
	mux.HandleFunc("GET /users", a.listUsers)
	mux.HandleFunc("GET /users/{id}", a.getUser)
	mux.HandleFunc("PUT /users/{id}/email", a.changeEmail)
	mux.HandleFunc("PUT /users/{id}/name", a.rename)
	mux.HandleFunc("POST /users/{id}/deactivate", a.deactivate)
	mux.HandleFunc("POST /users/{id}/suspend", a.suspend)
	return mux
}

func (a *api) meta() cqrs.Meta {
	return cqrs.NewMeta(a.gen, time.Now())
}

func (a *api) registerUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.commands.Execute(r.Context(), user.RegisterUser{Meta: a.meta(), Email: body.Email, Name: body.Name})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": res})
}

func (a *api) getUser(w http.ResponseWriter, r *http.Request) {
	res, err := a.queries.Execute(r.Context(), user.GetUser{Meta: a.meta(), UserID: r.PathValue("id")})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	if email := r.URL.Query().Get("email"); email != "" {
		res, err := a.queries.Execute(r.Context(), user.GetUserByEmail{Meta: a.meta(), Email: email})
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	q := user.ListUsers{Meta: a.meta(), Limit: 100}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		q.Offset = v
	}

	res, err := a.queries.Execute(r.Context(), q)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) changeEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	a.execute(w, r, user.ChangeUserEmail{Meta: a.meta(), UserID: r.PathValue("id"), Email: body.Email})
}

func (a *api) rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	a.execute(w, r, user.RenameUser{Meta: a.meta(), UserID: r.PathValue("id"), Name: body.Name})
}

func (a *api) deactivate(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, user.DeactivateUser{Meta: a.meta(), UserID: r.PathValue("id")})
}

func (a *api) suspend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	a.execute(w, r, user.SuspendUser{Meta: a.meta(), UserID: r.PathValue("id"), Reason: body.Reason})
}

func (a *api) execute(w http.ResponseWriter, r *http.Request, cmd any) {
	if _, err := a.commands.Execute(r.Context(), cmd); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	var verr *cqrs.ValidationError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, err)
	case errors.Is(err, cqrs.ErrNotFound):
		httpError(w, http.StatusNotFound, err)
	case errors.Is(err, cqrs.ErrConflict):
		httpError(w, http.StatusConflict, err)
	default:
		a.log.Error("request failed", slog.Any("error", err))
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
