// Package logger 基于 zap 的全局日志，桥接标准库 log 与 slog，
// 各服务可以继续用 log.Printf / slog 的写法输出结构化日志。
package logger

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitOptions 日志初始化参数
type InitOptions struct {
	Level       string
	Format      string // json / console
	ServiceName string
	Output      OutputOptions
	Rotation    RotationOptions
}

type OutputOptions struct {
	ToStdout bool
	ToFile   bool
	FilePath string
}

type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (o InitOptions) normalized() InitOptions {
	out := o
	out.Level = strings.ToLower(strings.TrimSpace(out.Level))
	if out.Level == "" {
		out.Level = "info"
	}
	out.Format = strings.ToLower(strings.TrimSpace(out.Format))
	if out.Format == "" {
		out.Format = "console"
	}
	if out.ServiceName == "" {
		out.ServiceName = "antigravity-proxy"
	}
	if !out.Output.ToStdout && !out.Output.ToFile {
		out.Output.ToStdout = true
	}
	if out.Rotation.MaxSizeMB <= 0 {
		out.Rotation.MaxSizeMB = 100
	}
	if out.Rotation.MaxBackups <= 0 {
		out.Rotation.MaxBackups = 5
	}
	if out.Rotation.MaxAgeDays <= 0 {
		out.Rotation.MaxAgeDays = 14
	}
	return out
}

var (
	mu          sync.RWMutex
	global      *zap.Logger
	atomicLevel zap.AtomicLevel
	stdLogUndo  func()
)

// Init 初始化全局日志并桥接 log / slog
func Init(options InitOptions) error {
	mu.Lock()
	defer mu.Unlock()

	normalized := options.normalized()
	zl, al, err := buildLogger(normalized)
	if err != nil {
		return err
	}

	prev := global
	global = zl
	atomicLevel = al

	bridgeStdLogLocked()
	slog.SetDefault(slog.New(newSlogZapHandler(global.Named("slog"))))

	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// SetLevel 动态调整日志级别
func SetLevel(level string) error {
	lv, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("invalid log level: %s", level)
	}
	mu.Lock()
	defer mu.Unlock()
	atomicLevel.SetLevel(lv)
	return nil
}

// L 返回全局 zap logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global
	}
	return zap.NewNop()
}

// Sync 刷新缓冲日志
func Sync() {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func bridgeStdLogLocked() {
	if stdLogUndo != nil {
		stdLogUndo()
		stdLogUndo = nil
	}
	log.SetFlags(0)
	log.SetPrefix("")
	undo, err := zap.RedirectStdLogAt(global.Named("stdlog"), zap.InfoLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger redirect stdlog failed: %v\n", err)
		return
	}
	stdLogUndo = undo
}

func parseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "", "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

func buildLogger(options InitOptions) (*zap.Logger, zap.AtomicLevel, error) {
	level, _ := parseLevel(options.Level)
	atomic := zap.NewAtomicLevelAt(level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	var enc zapcore.Encoder
	if options.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	}

	var syncers []zapcore.WriteSyncer
	if options.Output.ToStdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if options.Output.ToFile && options.Output.FilePath != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   options.Output.FilePath,
			MaxSize:    options.Rotation.MaxSizeMB,
			MaxBackups: options.Rotation.MaxBackups,
			MaxAge:     options.Rotation.MaxAgeDays,
			Compress:   options.Rotation.Compress,
		}))
	}
	if len(syncers) == 0 {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(syncers...), atomic)
	zl := zap.New(core).Named(options.ServiceName)
	return zl, atomic, nil
}
