package logger_test

import (
	"fmt"
	"time"

	"github.com/tunelapp/tunrelay/logger"
)

// lineWriter prints level and message without a timestamp.
type lineWriter struct{}

func (lineWriter) Write(level logger.LogLevel, _ time.Time, message string) {
	fmt.Printf("%s %s\n", level, message)
}

// errorOnlyWriter forwards ERROR and above.
type errorOnlyWriter struct {
	next logger.LogWriter
}

func (w errorOnlyWriter) Write(level logger.LogLevel, timestamp time.Time, message string) {
	if level >= logger.ERROR {
		w.next.Write(level, timestamp, message)
	}
}

func ExampleNewLoggerWithWriter() {
	log := logger.NewLoggerWithWriter(lineWriter{})
	log.SetLevel(logger.INFO)
	log.Debug("Dropping packet: malformed")
	log.Info("Relay engine started, proxying through %s", "127.0.0.1:10808")
	// Output: INFO Relay engine started, proxying through 127.0.0.1:10808
}

func ExampleLogWriter_filtering() {
	log := logger.NewLoggerWithWriter(errorOnlyWriter{next: lineWriter{}})
	log.Warn("Failed to open flow")
	log.Error("Tun device read failed again, stopping")
	// Output: ERROR Tun device read failed again, stopping
}
