package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 通用日志实例
	Logger *logrus.Logger
	// InfoLogger 信息日志实例
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志实例, 也接收致命错误
	ErrorLogger *logrus.Logger

	initOnce sync.Once
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter 自定义日志格式化器
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
// 格式: [时间] [级别] (调用者) [subsystem] 消息 k=v ...
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] (%s) ", timestamp, level, getCaller())
	if sub, ok := entry.Data[SubsystemKey]; ok {
		fmt.Fprintf(&b, "[%v] ", sub)
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != SubsystemKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// SubsystemKey 子系统字段名
const SubsystemKey = "subsystem"

// getCaller 跳过日志框架的调用栈, 找到实际的调用者
func getCaller() string {
	for i := 2; i < 25; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") ||
			strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别字符串
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"})
	l.SetLevel(level)
	l.SetOutput(out)
	return l
}

// ensure 未显式初始化时使用标准输出
func ensure() {
	initOnce.Do(func() {
		if Logger == nil {
			_ = InitLogger(LogConfig{LogLevel: "info"})
		}
	})
}

// InitLogger 初始化日志
func InitLogger(config LogConfig) error {
	level := parseLogLevel(config.LogLevel)

	InfoLogger = newLogger(level, os.Stdout)
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			InfoLogger.Warnf("Failed to open info log file %s, fallback to stdout: %v", config.InfoLogPath, err)
		} else {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	ErrorLogger = newLogger(level, os.Stderr)
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.Warnf("Failed to open error log file %s, fallback to stderr: %v", config.ErrorLogPath, err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	Logger = newLogger(level, InfoLogger.Out)
	return nil
}

// SetExitFunc 替换致命错误后的退出函数, 测试中用于拦截 Fatalf
func SetExitFunc(fn func(int)) {
	ensure()
	ErrorLogger.ExitFunc = fn
}

// SetOutput 将全部日志重定向到同一个输出
func SetOutput(w io.Writer) {
	ensure()
	Logger.SetOutput(w)
	InfoLogger.SetOutput(w)
	ErrorLogger.SetOutput(w)
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// Entry 带子系统标签的日志入口
type Entry struct {
	fields logrus.Fields
}

// Subsystem 返回带 subsystem 字段的日志入口, 例如 "page_cleaner", "ibuf"
func Subsystem(name string) *Entry {
	return &Entry{fields: logrus.Fields{SubsystemKey: name}}
}

// WithField 附加字段
func (e *Entry) WithField(key string, value interface{}) *Entry {
	fields := make(logrus.Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{fields: fields}
}

func (e *Entry) Debugf(format string, args ...interface{}) {
	ensure()
	Logger.WithFields(e.fields).Debugf(format, args...)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	ensure()
	InfoLogger.WithFields(e.fields).Infof(format, args...)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	ensure()
	Logger.WithFields(e.fields).Warnf(format, args...)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	ensure()
	ErrorLogger.WithFields(e.fields).Errorf(format, args...)
}

func (e *Entry) Fatalf(format string, args ...interface{}) {
	ensure()
	ErrorLogger.WithFields(e.fields).Fatalf(format, args...)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	ensure()
	InfoLogger.Info(args...)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	ensure()
	InfoLogger.Infof(format, args...)
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	ensure()
	Logger.Debugf(format, args...)
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	ensure()
	Logger.Warnf(format, args...)
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	ensure()
	ErrorLogger.Errorf(format, args...)
}

// Fatalf 记录格式化致命错误日志并退出
func Fatalf(format string, args ...interface{}) {
	ensure()
	ErrorLogger.Fatalf(format, args...)
}
