package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/admp-io/admpd/internal/auth"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/did"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/group"
	"github.com/admp-io/admpd/internal/identity"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/notify"
	"github.com/admp-io/admpd/internal/roundtable"
	"github.com/admp-io/admpd/internal/store"
	"github.com/admp-io/admpd/internal/sweep"
	"github.com/admp-io/admpd/internal/web"
	"github.com/admp-io/admpd/internal/webhook"
)

var version = "dev"

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var st store.Store
	if cfg.DataPath != "" {
		bolt, err := store.Open(cfg.DataPath)
		if err != nil {
			log.Error("failed to open database", "path", cfg.DataPath, "error", err)
			os.Exit(1)
		}
		defer bolt.Close()
		st = bolt
		log.Info("bolt store open", "path", cfg.DataPath)
	} else {
		st = store.NewMemory()
		log.Warn("DATA_PATH not set, using in-memory store")
	}

	clk := clock.Real{}
	bus := events.New()
	resolver := did.NewResolver(cfg, st, log)

	engine := inbox.NewEngine(st, cfg, log, bus, resolver, clk)
	groups := group.NewService(st, log, engine, clk)
	tables := roundtable.NewService(st, log, groups, engine, bus, clk)
	ident := identity.NewService(st, cfg, log, bus, clk)
	gate := auth.NewGate(st, cfg, log, resolver, clk, web.WriteError)

	// Ops notification chain: structured log always, MQTT when configured.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.MQTTBrokerURL != "" {
		notifiers = append(notifiers, notify.NewFiltered(notify.NewMQTT(notify.MQTTSettings{
			Broker:   cfg.MQTTBrokerURL,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      cfg.MQTTQoS,
		}), []string{
			string(events.EventAgentRegistered),
			string(events.EventAgentOffline),
			string(events.EventRoundTableClosed),
			string(events.EventWebhookExhausted),
		}))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBrokerURL, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)
	go notifier.Run(ctx, bus)

	pusher := webhook.NewPusher(st, cfg, log, bus, clk)
	go pusher.Run(ctx)

	sweeper, err := sweep.NewSweeper(st, cfg, log, bus, tables, clk)
	if err != nil {
		log.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	go func() {
		_ = sweeper.Run(ctx)
	}()

	srv := web.NewServer(web.Dependencies{
		Identity: ident,
		Inbox:    engine,
		Groups:   groups,
		Tables:   tables,
		Keys:     st,
		Stats:    st,
		Config:   cfg,
		Gate:     gate,
		Log:      log,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("admpd started", "version", version, "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("admpd shutdown complete")
}
