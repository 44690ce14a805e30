// Package logger 基于logrus的引擎日志。
// 只维护一个日志器：常规输出走stdout（可选附加信息日志文件），
// error及以上级别通过hook复制一份到stderr与错误日志文件。
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger 全局日志实例
var Logger *logrus.Logger

var (
	mu      sync.Mutex
	inited  bool
)

// LogConfig 日志配置
type LogConfig struct {
	InfoLogPath  string
	ErrorLogPath string
	LogLevel     string
}

// engineFormatter 行格式: 2006-01-02 15:04:05.000 LEVL [file:line] message
type engineFormatter struct{}

func (f *engineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	b.WriteString(level)
	b.WriteString(" [")
	b.WriteString(callSite())
	b.WriteString("] ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// callSite 沿调用栈找到logrus与本包之外的第一帧
func callSite() string {
	var pcs [24]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !ownFrame(frame.Function) {
			return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
		if !more {
			return "unknown:0"
		}
	}
}

// ownFrame 按函数全名而不是文件路径判断是否日志框架自身的帧
func ownFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") ||
		strings.Contains(fn, "xinnodb-engine/logger")
}

// errorTeeHook 把error及以上级别复制到另一路输出
type errorTeeHook struct {
	out       io.Writer
	formatter logrus.Formatter
}

func (h *errorTeeHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorTeeHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}

// InitLogger 初始化日志
func InitLogger(config LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	l := logrus.New()
	l.SetFormatter(&engineFormatter{})
	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		l.SetLevel(level)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	infoOut := []io.Writer{os.Stdout}
	if config.InfoLogPath != "" {
		f, err := appendWriter(config.InfoLogPath)
		if err != nil {
			return err
		}
		infoOut = append(infoOut, f)
	}
	l.SetOutput(io.MultiWriter(infoOut...))

	errOut := []io.Writer{os.Stderr}
	if config.ErrorLogPath != "" {
		f, err := appendWriter(config.ErrorLogPath)
		if err != nil {
			return err
		}
		errOut = append(errOut, f)
	}
	l.AddHook(&errorTeeHook{
		out:       io.MultiWriter(errOut...),
		formatter: &engineFormatter{},
	})

	Logger = l
	inited = true
	return nil
}

// appendWriter 以追加方式打开日志文件，目录不存在时先建
func appendWriter(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// get 未显式初始化时给一个只写stdout的缺省日志器，
// 调用方不需要做nil判断
func get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !inited {
		l := logrus.New()
		l.SetFormatter(&engineFormatter{})
		l.SetLevel(logrus.InfoLevel)
		l.SetOutput(os.Stdout)
		Logger = l
		inited = true
	}
	return Logger
}

// Debug 记录调试日志
func Debug(args ...interface{}) {
	get().Debug(args...)
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	get().Info(args...)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

// Warn 记录警告日志
func Warn(args ...interface{}) {
	get().Warn(args...)
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

// Error 记录错误日志
func Error(args ...interface{}) {
	get().Error(args...)
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

// Fatalf 记录致命错误并终止进程
func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
}
