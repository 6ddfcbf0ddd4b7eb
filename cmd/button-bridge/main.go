// cmd/button-bridge/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/tracing"
	"fulfillment/internal/service/bridge"
	"fulfillment/internal/service/order/infrastructure"
)

const serviceName = "button-bridge"

// button-bridge 从标准输入读取按键 (每按一次回车算一次按压) 并转发为确认信号。
// 真实的按钮驱动可以把按键写到它的标准输入。
func main() {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := flags.String("config", "config/config.yaml", "path to the YAML config file")
	mode := flags.String("mode", "", "kafka or http, overrides bridge.mode")
	gatewayURL := flags.String("gateway", "", "gateway base URL for http mode, overrides bridge.gateway_url")
	source := flags.String("source", "", "button identifier, overrides bridge.source")
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
	if *mode != "" {
		cfg.Bridge.Mode = *mode
	}
	if *gatewayURL != "" {
		cfg.Bridge.GatewayURL = *gatewayURL
	}
	if *source != "" {
		cfg.Bridge.Source = *source
	}
	logger.Init(serviceName, cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("button bridge exited")
	}
}

func run(cfg *bootstrap.Config) error {
	tp, err := tracing.InitTracerProvider(serviceName, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return errors.Wrap(err, "initialize tracer provider")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.Shutdown(ctx, tp)
	}()

	var sink bridge.PulseSink
	switch cfg.Bridge.Mode {
	case "kafka":
		if !cfg.Kafka.Enabled() {
			return errors.New("bridge.mode is kafka but kafka.brokers is empty")
		}
		writer := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.PulsesTopic, false)
		defer writer.Close()
		sink = infrastructure.NewPulseProducerAdapter(writer)
	case "http":
		sink = &bridge.HTTPSink{
			Client:     httpclient.NewClient(otel.Tracer(serviceName)),
			GatewayURL: cfg.Bridge.GatewayURL,
		}
	default:
		return errors.Errorf("unknown bridge mode %q", cfg.Bridge.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("INFO: %s forwarding presses from %s via %s. Press Enter (or r) to confirm, q to quit.",
		serviceName, cfg.Bridge.Source, cfg.Bridge.Mode)
	b := bridge.New(sink, cfg.Bridge.Source, cfg.Bridge.Debounce, nil)
	return b.Run(ctx, os.Stdin)
}
