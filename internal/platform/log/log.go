package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志服务配置。
type Config struct {
	Level     string
	Format    string // text | json
	Service   string // 写入每条日志的 service 字段，可空
	AddSource bool
	Output    io.Writer
}

var (
	zapLogger *zap.Logger
	mu        sync.RWMutex
)

// Init 初始化全局日志服务（zap core + slog 门面）。
func Init(cfg Config) {
	logger := buildZapLogger(cfg)
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}

	mu.Lock()
	zapLogger = logger
	mu.Unlock()

	zap.ReplaceGlobals(logger)

	handler := slogzap.Option{
		Level:     parseLevel(cfg.Level).slog,
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()
	slog.SetDefault(slog.New(handler))

	log.SetOutput(cfg.output())
	log.SetFlags(0)
}

// Zap 返回全局 zap logger。
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if zapLogger != nil {
		return zapLogger
	}
	return zap.L()
}

// With 返回带默认字段的 slog logger。
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func Infof(format string, args ...any)  { slog.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { slog.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }

func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// BestEffort 执行一个允许失败的副作用：出错只记日志，不向调用方传播。
// 返回值仅表示是否成功，调用方不得据此改变主流程结果。
func BestEffort(op string, fn func() error, args ...any) bool {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BestEffort] panic recovered", append([]any{"op", op, "panic", r}, args...)...)
		}
	}()
	if err := fn(); err != nil {
		slog.Warn("[BestEffort] side effect failed", append([]any{"op", op, "error", err}, args...)...)
		return false
	}
	return true
}

func buildZapLogger(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.output()), parseLevel(cfg.Level).zap)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}

func (c Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

type levelPair struct {
	slog slog.Level
	zap  zapcore.Level
}

func parseLevel(level string) levelPair {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelPair{slog.LevelDebug, zapcore.DebugLevel}
	case "warn", "warning":
		return levelPair{slog.LevelWarn, zapcore.WarnLevel}
	case "error":
		return levelPair{slog.LevelError, zapcore.ErrorLevel}
	default:
		return levelPair{slog.LevelInfo, zapcore.InfoLevel}
	}
}
