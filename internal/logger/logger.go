package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

// sink 异步写入端，由同一个 handler 派生出的所有 handler 共享
type sink struct {
	ch          chan []byte
	stdout      io.Writer
	writer      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件基础路径，为空时只输出到 stdout
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level, stdout io.Writer) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		stdout:   stdout,
		writer:   stdout,
		basePath: basePath,
	}
	if err := s.rotateIfNeeded(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "LOGGER ROTATE ERROR: %v\n", err)
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

// cleanOldLogs 删除30天前的日志
func (s *sink) cleanOldLogs(now time.Time) {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > 30*24*time.Hour {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded 跨天时切换到新的日志文件
func (s *sink) rotateIfNeeded(now time.Time) error {
	if s.basePath == "" {
		return nil
	}
	currentDay := now.YearDay()
	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.stdout
	}

	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.stdout, f)
	s.cleanOldLogs(now)
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		if err := s.rotateIfNeeded(time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "LOGGER ROTATE ERROR: %v\n", err)
		}
		_, _ = s.writer.Write(data)
	}
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
	}
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var sb strings.Builder
	// 基础格式：时间 | 级别 | 消息
	sb.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		sb.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
	}
	r.Attrs(func(attr slog.Attr) bool {
		sb.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
		return true
	})
	sb.WriteByte('\n')

	h.sink.write([]byte(sb.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &AsyncHandler{sink: h.sink, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{sink: h.sink, attrs: h.attrs, group: name, logLevel: h.logLevel}
}

func (s *sink) write(p []byte) {
	defer func() {
		// 关闭之后的日志直接丢弃
		_ = recover()
	}()
	s.ch <- p
}

// Close 等待缓冲中的日志全部写出
func (h *AsyncHandler) Close(ctx context.Context) error {
	h.sink.closeOnce.Do(func() { close(h.sink.ch) })
	done := make(chan struct{})
	go func() {
		h.sink.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	return lc.handler.Close(ctx)
}

// Init 安装全局 slog handler，basePath 为空时不写文件
func Init(debugMode bool, basePath string) *ShutdownCallback {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(basePath, level, os.Stdout)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
