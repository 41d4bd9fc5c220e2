package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface
type Logger interface {
	Log() *zerolog.Event
	Fatal() *zerolog.Event
	Err(err error) *zerolog.Event
	Error() *zerolog.Event
	Warn() *zerolog.Event
	Info() *zerolog.Event
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	With() zerolog.Context
	RegisterSSEWriter(sse SSEPublisher)
	SetLogLevel(level string)
}

// DefaultLogger default logging controller
type DefaultLogger struct {
	mu            sync.Mutex
	log           zerolog.Logger
	level         zerolog.Level
	writers       []io.Writer
	logDir        string
	currentDate   string
	lumberjackLog *lumberjack.Logger
	cfg           *domain.Config
}

func New(cfg *domain.Config) Logger {
	l := &DefaultLogger{
		writers:     make([]io.Writer, 0),
		level:       zerolog.DebugLevel,
		cfg:         cfg,
		currentDate: time.Now().Format("2006-01-02"),
	}

	l.SetLogLevel(cfg.Logging.Level)

	// use pretty logging for dev only
	if cfg.Version == "dev" {
		l.writers = append(l.writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l.writers = append(l.writers, os.Stderr)
	}

	if cfg.Logging.Path != "" {
		l.logDir = cfg.Logging.Path
		if _, err := os.Stat(l.logDir); os.IsNotExist(err) {
			if err := os.MkdirAll(l.logDir, 0755); err != nil {
				fmt.Printf("Failed to create log directory: %v\n", err)
			}
		}

		l.lumberjackLog = &lumberjack.Logger{
			Filename:   l.filename(l.currentDate),
			MaxSize:    cfg.Logging.MaxFileSize,
			MaxBackups: cfg.Logging.MaxBackupCount,
		}
		l.writers = append(l.writers, l.lumberjackLog)

		go l.scheduleRotationCheck()
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	l.rebuild()

	return l
}

func (l *DefaultLogger) filename(date string) string {
	return filepath.Join(l.logDir, fmt.Sprintf("quill-%s.log", date))
}

// rebuild recreates the zerolog instance over the current writers.
func (l *DefaultLogger) rebuild() {
	l.log = zerolog.New(io.MultiWriter(l.writers...)).Level(l.level).With().Stack().Logger()
}

// RegisterSSEWriter mirrors every log line onto the "logs" SSE stream.
func (l *DefaultLogger) RegisterSSEWriter(sse SSEPublisher) {
	l.mu.Lock()
	l.writers = append(l.writers, NewSSEWriter(sse))
	l.rebuild()
	l.mu.Unlock()

	l.Info().Msg("SSE writer registered for logging")
}

// scheduleRotationCheck sleeps until midnight and rotates the log file, forever.
func (l *DefaultLogger) scheduleRotationCheck() {
	if l.lumberjackLog == nil || l.logDir == "" {
		return
	}

	for {
		now := time.Now()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		time.Sleep(nextMidnight.Sub(now))

		l.checkRotate()
	}
}

// checkRotate switches to a new dated file when the day has changed.
func (l *DefaultLogger) checkRotate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lumberjackLog == nil || l.logDir == "" {
		return
	}

	today := time.Now().Format("2006-01-02")
	if today == l.currentDate {
		return
	}

	l.currentDate = today
	_ = l.lumberjackLog.Close()
	l.lumberjackLog.Filename = l.filename(today)
}

func (l *DefaultLogger) SetLogLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch level {
	case "INFO":
		l.level = zerolog.InfoLevel
	case "DEBUG":
		l.level = zerolog.DebugLevel
	case "ERROR":
		l.level = zerolog.ErrorLevel
	case "WARN":
		l.level = zerolog.WarnLevel
	case "TRACE":
		l.level = zerolog.TraceLevel
	default:
		l.level = zerolog.Disabled
	}
	l.log = l.log.Level(l.level)
}

func (l *DefaultLogger) logger() *zerolog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &l.log
}

// Log logs without a level.
func (l *DefaultLogger) Log() *zerolog.Event {
	return l.logger().Log().Timestamp()
}

// Fatal logs at fatal level and exits once the event is sent.
func (l *DefaultLogger) Fatal() *zerolog.Event {
	return l.logger().Fatal().Timestamp()
}

func (l *DefaultLogger) Error() *zerolog.Event {
	return l.logger().Error().Timestamp()
}

func (l *DefaultLogger) Err(err error) *zerolog.Event {
	return l.logger().Err(err).Timestamp()
}

func (l *DefaultLogger) Warn() *zerolog.Event {
	return l.logger().Warn().Timestamp()
}

func (l *DefaultLogger) Info() *zerolog.Event {
	return l.logger().Info().Timestamp()
}

func (l *DefaultLogger) Debug() *zerolog.Event {
	return l.logger().Debug().Timestamp()
}

func (l *DefaultLogger) Trace() *zerolog.Event {
	return l.logger().Trace().Timestamp()
}

// With returns a child context, usually followed by Str("module", ...).Logger().
func (l *DefaultLogger) With() zerolog.Context {
	return l.logger().With().Timestamp()
}
