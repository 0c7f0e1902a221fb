package engine

import (
	"bytes"
	"log/slog"
	"sync"
)

// lineLogger is an io.Writer that logs each complete line it receives.
type lineLogger struct {
	logger *slog.Logger
	msg    string

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *slog.Logger, msg string) *lineLogger {
	return &lineLogger{logger: logger, msg: msg}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug(l.msg, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
