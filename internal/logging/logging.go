// Package logging gives the core an owned log sink instead of the
// global, lazily-initialized singleton the source used. A Sink is
// created once in main and passed down explicitly to the node constructor
// and to the blockchain's MineChat.
//
// The concrete sink wraps a *logrus.Logger the way the retrieval pack's
// Hyperledger-flavored node wrapper does (log "github.com/sirupsen/logrus"
// aliased to the stdlib-shaped log.Printf/log.Fatal call surface),
// fitted with a formatter that renders the line shape this system wants:
// "tag @ timestamp [LEVEL]: message".
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the handful of severities this system actually emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Sink is the single entry point the core depends on. Nothing in
// internal/blockchain or internal/p2p imports logrus directly — only
// this package does.
type Sink interface {
	Write(level Level, tag, message string)
}

// lineFormatter renders "tag @ timestamp [LEVEL]: message", reading the
// tag back out of the structured fields the sink attaches to each entry.
type lineFormatter struct{}

func (lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tag, _ := entry.Data["tag"].(string)
	line := fmt.Sprintf("%s @ %s [%s]: %s\n",
		tag,
		entry.Time.Format(time.RFC3339),
		levelName(entry.Level),
		entry.Message,
	)
	return []byte(line), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

// logrusSink is the production Sink implementation.
type logrusSink struct {
	logger *logrus.Logger
}

// NewStdoutSink builds a sink that writes to stdout, used in server
// mode (§6).
func NewStdoutSink() Sink {
	return newSink(os.Stdout)
}

// NewFileSink opens (creating if needed) an append-only log file and
// returns a sink writing to it, plus the io.Closer the caller should
// defer-close on shutdown. Used in interactive mode (§6), target
// "log/blockchain.log".
func NewFileSink(path string) (Sink, io.Closer, error) {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: opening log file: %w", err)
	}
	return newSink(f), f, nil
}

func newSink(w io.Writer) Sink {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(lineFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return &logrusSink{logger: logger}
}

func (s *logrusSink) Write(level Level, tag, message string) {
	s.logger.WithField("tag", tag).Log(level.logrusLevel(), message)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
