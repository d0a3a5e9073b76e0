// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Config 控制全局 logger。
type Config struct {
	Level   string
	Pretty  bool
	Service string
}

// Init 配置全局 zerolog logger，并作为 context 中没有 logger 时的默认值。
func Init(cfg Config) {
	Setup(cfg, os.Stdout)
}

// Setup 与 Init 相同，但允许指定输出，测试用。
func Setup(cfg Config, out io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		l = l.Str("service", cfg.Service)
	}
	zlog.Logger = l.Logger()
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Ctx 返回 context 中的 logger；没有时返回全局 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	return zlog.Ctx(ctx)
}

// WithTraceID 把带 trace_id 的 logger 放入 context，后续 Ctx(ctx) 的日志都会带上链路 ID。
func WithTraceID(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ctx
	}
	l := Ctx(ctx).With().Str("trace_id", sc.TraceID().String()).Logger()
	return l.WithContext(ctx)
}
