package common

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level    string
	Dir      string
	FileName string
	// Quiet drops the stdout copy and writes to the file only.
	Quiet    bool
}

// SetupLogger points logrus at a rotated file, plus stdout unless Quiet.
// The returned closer releases the file.
func SetupLogger(cfg LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = log.InfoLevel
	}
	if cfg.Dir == "" {
		cfg.Dir = "./logs"
	}
	if cfg.FileName == "" {
		cfg.FileName = "edge_events.log"
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.FileName),
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	}

	var out io.Writer = fileLogger
	if !cfg.Quiet {
		out = io.MultiWriter(os.Stdout, fileLogger)
	}
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(level)

	log.Infof("Logging initialized: file=%s, level=%s", fileLogger.Filename, level)
	return fileLogger, nil
}
