package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dmartinelli/storebot/agent/catalog"
	"github.com/dmartinelli/storebot/agent/classifier"
	"github.com/dmartinelli/storebot/agent/engine"
	"github.com/dmartinelli/storebot/agent/knowledge"
	statex "github.com/dmartinelli/storebot/agent/state"
	configx "github.com/dmartinelli/storebot/pkg/config"
	"github.com/dmartinelli/storebot/pkg/httpapi"
	_ "github.com/dmartinelli/storebot/pkg/logger/autoload"
	"github.com/dmartinelli/storebot/pkg/observability"
)

type AppConfig struct {
	BindAddr         string        `envconfig:"BIND_ADDR" split_words:"true" default:":8080"`
	MetricsNamespace string        `envconfig:"METRICS_NAMESPACE" split_words:"true" default:"storebot"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`

	// StoreDSN selects the Postgres session store; empty runs in-memory.
	StoreDSN string `envconfig:"STORE_DSN" split_words:"true"`
}

func main() {
	console := flag.Bool("console", false, "run the interactive console instead of the HTTP server")

	appCfg := configx.MustNew[AppConfig]("APP")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, appCfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("init session store")
	}
	defer closeStore()

	intents, err := classifier.New(*configx.MustNew[classifier.Config]("CLASSIFIER"))
	if err != nil {
		log.Fatal().Err(err).Msg("init classifier")
	}
	products := catalog.MustNew(*configx.MustNew[catalog.Config]("CATALOG"))
	facts, err := knowledge.New(*configx.MustNew[knowledge.Config]("KNOWLEDGE"))
	if err != nil {
		log.Fatal().Err(err).Msg("init knowledge base")
	}

	metrics := observability.NewMetrics(appCfg.MetricsNamespace)

	eng, err := engine.New(store, intents, products, facts, metrics, *configx.MustNew[engine.Config]("ENGINE"))
	if err != nil {
		log.Fatal().Err(err).Msg("init engine")
	}

	if *console {
		runConsole(ctx, eng)
		return
	}

	runServer(ctx, appCfg, httpapi.New(eng, store))
}

func newStore(ctx context.Context, dsn string) (statex.Store, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		log.Info().Msg("no store dsn configured, using in-memory session store")
		return statex.NewInMemoryStore(), func() {}, nil
	}
	pg, err := statex.NewPostgresStore(ctx, statex.PostgresConfig{DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func runServer(ctx context.Context, cfg *AppConfig, api *httpapi.Server) {
	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

// runConsole is the interactive front-end: one line per turn, same session
// across turns, stops when the engine ends the session.
func runConsole(ctx context.Context, eng *engine.Engine) {
	fmt.Println("Console chat. Type 'exit' to finish.")

	scanner := bufio.NewScanner(os.Stdin)
	var sessionID string

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			return
		}

		result, err := eng.HandleTurn(ctx, sessionID, scanner.Text())
		if err != nil {
			fmt.Println("Bot: something went wrong, please try again")
			log.Error().Err(err).Msg("console turn failed")
			continue
		}
		sessionID = result.SessionID

		fmt.Println("Bot:", result.Reply)
		if !result.Continue {
			return
		}
	}
}
