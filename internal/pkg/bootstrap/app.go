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
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"salesledger/internal/config"
	"salesledger/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

type AppCtx struct {
	Mux *http.ServeMux
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许服务注册自己的 HTTP 路由
	// OnShutdown 在 HTTP 服务关闭后按注册的逆序执行，用于关闭存储连接、消息生产者等。
	OnShutdown []func(ctx context.Context) error
	// Ready 在监听成功后收到实际地址，测试用。
	Ready func(addr net.Addr)
}

// StartService 封装了服务的通用启动和优雅关停逻辑，收到 SIGINT/SIGTERM 后退出。
func StartService(info AppInfo) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, info); err != nil {
		zlog.Fatal().Err(err).Str("service", info.ServiceName).Msg("service exited with error")
	}
}

// Run 启动 HTTP 服务并阻塞到 ctx 结束，然后依次关停。
func Run(ctx context.Context, info AppInfo) error {
	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, config.GetCurrentConfig().Infra.Jaeger.Endpoint)
	if err != nil {
		return errors.Wrap(err, "init tracer provider")
	}

	// 2. 创建并启动 HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux})
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(info.Port))
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return errors.Wrapf(err, "listen on :%d", info.Port)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if info.Ready != nil {
		info.Ready(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("service", info.ServiceName).Str("addr", ln.Addr().String()).Msg("listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})

	// 3. 优雅关停
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Str("service", info.ServiceName).Msg("shutting down service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var firstErr error
		// a. 关闭 HTTP 服务器，不再接收新请求
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("error shutting down http server")
			firstErr = err
		}
		// b. 后进先出执行清理
		for i := len(info.OnShutdown) - 1; i >= 0; i-- {
			if err := info.OnShutdown[i](shutdownCtx); err != nil {
				zlog.Error().Err(err).Msg("error running shutdown hook")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		// c. 关闭 Tracer Provider，确保缓冲的 trace 都被发送出去
		if err := tp.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("error shutting down tracer provider")
		}
		zlog.Info().Str("service", info.ServiceName).Msg("service gracefully shut down")
		return firstErr
	})

	return g.Wait()
}
