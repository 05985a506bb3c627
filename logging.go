package main

import (
	"io"
	"os"
	"strings"

	"github.com/tunelapp/tunrelay/config"
	"github.com/tunelapp/tunrelay/logger"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the default logger and returns a func that closes
// the log file, if any.
func setupLogging(cfg config.LogConfig) (func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = lj
		closeFn = func() { _ = lj.Close() }
	}

	var w logger.LogWriter
	if strings.EqualFold(cfg.Format, "json") {
		w = logger.NewZerologWriter(out)
	} else {
		sw := logger.NewStandardWriter()
		sw.SetOutput(out)
		w = sw
	}

	l := logger.GetLogger()
	l.SetWriter(w)
	l.SetLevel(level)
	return closeFn, nil
}
