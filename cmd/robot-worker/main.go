// cmd/robot-worker/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/wire"
	"fulfillment/internal/service/worker"
)

const serviceName = "robot-worker"

func main() {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := flags.String("config", "config/config.yaml", "path to the YAML config file")
	addr := flags.String("addr", "", "listen address, overrides worker.addr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Worker.Addr = *addr
	}
	logger.Init(serviceName, cfg.Log.Level, cfg.Log.Pretty)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Addr:        cfg.Worker.Addr,
		Config:      cfg,
		Register:    true,
		Metadata:    map[string]string{"path": wire.ControlPath, "codec": cfg.Executor.Codec},
		RegisterHandlers: func(appCtx *bootstrap.AppCtx) error {
			runner := worker.NewSimulatedRunner(nil, appCtx.Config.Worker.EpisodeDuration)
			appCtx.OnShutdown(func(ctx context.Context) error { runner.Stop(""); return nil })

			server := worker.NewServer(runner, worker.WithPongWait(appCtx.Config.Worker.PongWait))
			server.RegisterRoutes(appCtx.Mux)
			appCtx.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("GET /metrics", promhttp.Handler())
			log.Info().Dur("episode", appCtx.Config.Worker.EpisodeDuration).Msg("✅ Robot worker ready.")
			return nil
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("robot worker exited")
	}
}
