package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogWriter is an interface for writing log messages
// Implement this interface to create custom log backends (OS log, syslog, etc.)
type LogWriter interface {
	// Write writes a log message with the given level, timestamp, and formatted message
	Write(level LogLevel, timestamp time.Time, message string)
}

// StandardWriter is the default log writer that writes to an io.Writer
type StandardWriter struct {
	mu       sync.Mutex
	output   io.Writer
	timezone *time.Location
}

// NewStandardWriter creates a new standard writer with the default configuration
func NewStandardWriter() *StandardWriter {
	// Get timezone from environment variable or use local timezone
	timezone := os.Getenv("LOGGER_TIMEZONE")
	var location *time.Location
	var err error

	if timezone != "" {
		location, err = time.LoadLocation(timezone)
		if err != nil {
			// If invalid timezone, fall back to local
			location = time.Local
		}
	} else {
		location = time.Local
	}

	return &StandardWriter{
		output:   os.Stdout,
		timezone: location,
	}
}

// SetOutput sets the output destination
func (w *StandardWriter) SetOutput(output io.Writer) {
	w.mu.Lock()
	w.output = output
	w.mu.Unlock()
}

// Write implements the LogWriter interface
func (w *StandardWriter) Write(level LogLevel, timestamp time.Time, message string) {
	formattedTime := timestamp.In(w.timezone).Format("2006/01/02 15:04:05")
	w.mu.Lock()
	fmt.Fprintf(w.output, "%s: %s %s\n", level.String(), formattedTime, message)
	w.mu.Unlock()
}

// ZerologWriter emits one JSON object per message through zerolog
type ZerologWriter struct {
	zl zerolog.Logger
}

// NewZerologWriter creates a JSON writer on top of output. Level filtering is
// done by Logger, so zerolog's global level is opened up to TRACE.
func NewZerologWriter(output io.Writer) *ZerologWriter {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	return &ZerologWriter{zl: zerolog.New(output)}
}

// Write implements the LogWriter interface
func (w *ZerologWriter) Write(level LogLevel, timestamp time.Time, message string) {
	w.zl.WithLevel(zerologLevel(level)).Time(zerolog.TimestampFieldName, timestamp).Msg(message)
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	}
	return zerolog.NoLevel
}
