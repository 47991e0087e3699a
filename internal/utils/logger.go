package utils

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 全局日志器
var Logger = zerolog.New(io.Discard)

const (
	mainLogName  = "igscrape.log"
	errorLogName = "igscrape_error.log"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string // 日志级别: trace, debug, info, warn, error, fatal, panic
	LogDir     string // 日志目录
	MaxSize    int    // 单个日志文件最大大小(MB)
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩旧日志
	NoConsole  bool   // 不输出到控制台
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		LogDir:     "logs",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger 初始化日志系统
func InitLogger(config LogConfig) error {
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	mainLogFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, mainLogName),
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	errorLogFile := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, errorLogName),
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// 1. 彩色控制台 2. 主日志(全部级别) 3. 错误日志(仅error及以上)
	writers := []io.Writer{
		mainLogFile,
		&FilteredWriter{Writer: errorLogFile, MinLevel: zerolog.ErrorLevel},
	}
	if !config.NoConsole {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Logger = Logger

	Logger.Info().
		Str("level", level.String()).
		Str("log_dir", config.LogDir).
		Msg("日志系统初始化完成")

	return nil
}

// FilteredWriter 过滤写入器,仅写入指定级别及以上的日志
type FilteredWriter struct {
	Writer   io.Writer
	MinLevel zerolog.Level
}

// Write 实现io.Writer接口
// 无级别信息的写入一律丢弃
func (w *FilteredWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// WriteLevel 带级别的写入
func (w *FilteredWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level >= w.MinLevel && level != zerolog.NoLevel {
		return w.Writer.Write(p)
	}
	return len(p), nil
}

// Component 带组件名的子日志器
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Info 快捷方法: 信息日志
func Info(msg string) {
	log.Info().Msg(msg)
}

// Infof 快捷方法: 格式化信息日志
func Infof(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// Error 快捷方法: 错误日志
func Error(err error, msg string) {
	log.Error().Err(err).Msg(msg)
}

// Errorf 快捷方法: 格式化错误日志
func Errorf(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}

// Warn 快捷方法: 警告日志
func Warn(msg string) {
	log.Warn().Msg(msg)
}

// Warnf 快捷方法: 格式化警告日志
func Warnf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// Debug 快捷方法: 调试日志
func Debug(msg string) {
	log.Debug().Msg(msg)
}

// Debugf 快捷方法: 格式化调试日志
func Debugf(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}
