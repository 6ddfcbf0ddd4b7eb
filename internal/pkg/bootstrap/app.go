// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

// Runner 是随服务一起运行的后台任务，ctx 结束时应当返回
type Runner func(ctx context.Context) error

// AppCtx 在注册阶段交给各个服务，用来挂路由、后台任务和清理函数
type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未启用 Nacos 时为 nil
	Config *Config

	runners  []Runner
	cleanups []func(ctx context.Context) error
}

// Go 注册一个后台任务，任何一个任务返回错误都会让整个服务退出
func (a *AppCtx) Go(r Runner) {
	a.runners = append(a.runners, r)
}

// OnShutdown 注册清理函数，HTTP 服务和后台任务都停止后按注册的逆序执行
func (a *AppCtx) OnShutdown(f func(ctx context.Context) error) {
	a.cleanups = append(a.cleanups, f)
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Addr        string
	Config      *Config
	// Register 为 true 且启用了 Nacos 时把服务注册到 Nacos
	Register         bool
	Metadata         map[string]string
	RegisterHandlers func(appCtx *AppCtx) error // 允许每个服务注册自己独特的 HTTP 路由
}

// StartService 封装了所有服务的通用启动和优雅关停逻辑，收到 SIGINT/SIGTERM 后返回。
func StartService(info AppInfo) error {
	cfg := info.Config
	if cfg == nil {
		cfg = Default()
	}

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return errors.Wrap(err, "initialize tracer provider")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tracing.Shutdown(ctx, tp)
	}()

	// 2. Nacos
	var namingClient *nacos.Client
	if cfg.Nacos.Enabled() {
		namingClient, err = nacos.NewNacosClient(cfg.Nacos.ServerAddrs, cfg.Nacos.Namespace, cfg.Nacos.Group)
		if err != nil {
			return errors.Wrap(err, "initialize nacos client")
		}
		defer namingClient.Close()
	}

	// 3. 注册路由和后台任务
	appCtx := &AppCtx{Mux: http.NewServeMux(), Nacos: namingClient, Config: cfg}
	if info.RegisterHandlers != nil {
		if err := info.RegisterHandlers(appCtx); err != nil {
			runCleanups(appCtx.cleanups)
			return errors.Wrapf(err, "set up %s", info.ServiceName)
		}
	}
	defer runCleanups(appCtx.cleanups)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// 4. 创建并启动 HTTP Server
	listener, err := net.Listen("tcp", info.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", info.Addr)
	}
	server := &http.Server{Handler: appCtx.Mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Printf("%s listening on %s", info.ServiceName, listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	for _, r := range appCtx.runners {
		r := r
		g.Go(func() error { return r(gctx) })
	}

	// 5. 执行服务注册
	var deregister func()
	if info.Register && namingClient != nil {
		ip, port, err := registrationAddr(listener.Addr())
		if err != nil {
			return err
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, port, info.Metadata); err != nil {
			return err
		}
		deregister = func() {
			if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, port); err != nil {
				log.Printf("Error deregistering from Nacos: %v", err)
			}
		}
	}

	// 6. 优雅关停
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down service %s...", info.ServiceName)
		if deregister != nil {
			deregister()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down http server: %v", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msgf("Service %s stopped with error", info.ServiceName)
		return err
	}
	log.Printf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}

func runCleanups(cleanups []func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](ctx); err != nil {
			log.Printf("Error during shutdown cleanup: %v", err)
		}
	}
}

// registrationAddr 取本机出口 IP 和实际监听端口
func registrationAddr(addr net.Addr) (string, int, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	ip := getEnv("POD_IP", "")
	if ip == "" {
		if ip, err = outboundIP(); err != nil {
			return "", 0, errors.Wrap(err, "get outbound IP address")
		}
	}
	return ip, port, nil
}

// outboundIP 通过一个不会真正发包的 UDP 连接得到本机的出口地址
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
