package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the shared log destination and per-name levels.
// Filename accepts two sentinels: "-" writes to stdout and "." discards
// everything; any other value is a file path managed by lumberjack.
// RotateSchedule takes a cron expression ("@hourly", "@midnight",
// "0 30 * * * *") forcing rotation on top of the size-based policy.
type Config struct {
	Console                     bool          `json:"console" default:"true"`
	Filename                    string        `json:"filename"`
	Append                      bool          `json:"append"`
	RotateSchedule              string        `json:"rotateSchedule"`
	MaxSize                     int           `json:"maxSize"`
	MaxBackups                  int           `json:"maxBackups"`
	MaxAge                      int           `json:"maxAge"`
	Compress                    bool          `json:"compress" default:"false"`
	Levels                      []LevelConfig `json:"levels"`
	UTC                         bool          `json:"utc"`
	DefaultPrefixWidth          int           `json:"defaultPrefixWidth" default:"20"`
	DefaultEnableSourceLocation bool          `json:"defaultEnableSourceLocation" default:"false"`
	DefaultLevel                string        `json:"defaultLevel" default:"INFO"`
}

// LevelConfig assigns a level to logger names matching a glob pattern.
type LevelConfig struct {
	Pattern              string `json:"pattern"`
	Level                string `json:"level" default:"INFO"`
	EnableSourceLocation bool   `json:"enableSourceLocation"`
}

var PresetConfigStdout = Config{
	Console:                     false,
	Filename:                    "-",
	Append:                      true,
	DefaultPrefixWidth:          30,
	DefaultEnableSourceLocation: true,
	DefaultLevel:                "TRACE",
}

var PresetConfigDiscard = Config{
	Console:                     false,
	Filename:                    ".",
	Append:                      false,
	DefaultPrefixWidth:          30,
	DefaultEnableSourceLocation: true,
	DefaultLevel:                "TRACE",
}

var rotateCron = cron.New()

var defaultSinks []*sink

// Configure applies cfg process-wide. Loggers obtained from GetLog after
// this call write to the configured destination.
func Configure(cfg *Config) {
	for _, c := range cfg.Levels {
		levelConfig[c.Pattern] = ParseLogLevel(c.Level)
	}
	SetDefaultPrefixWidth(cfg.DefaultPrefixWidth)
	SetDefaultLevel(ParseLogLevel(cfg.DefaultLevel))
	SetDefaultEnableSourceLocation(cfg.DefaultEnableSourceLocation)
	defaultSinks = buildSinks(cfg)
}

func buildSinks(cfg *Config) []*sink {
	switch cfg.Filename {
	case ".":
		return nil
	case "-":
		return []*sink{{Writer: os.Stdout, term: true}}
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  !cfg.UTC,
	}
	if !cfg.Append {
		lj.Rotate()
	}
	if cfg.RotateSchedule != "" {
		if _, err := rotateCron.AddFunc(cfg.RotateSchedule, func() { lj.Rotate() }); err != nil {
			fmt.Fprintf(os.Stderr, "ERR logger rotate schedule %s\n", err.Error())
		} else {
			rotateCron.Start()
		}
	}

	sinks := []*sink{{Writer: lj}}
	if cfg.Console {
		sinks = append(sinks, &sink{Writer: os.Stdout, term: true})
	}
	return sinks
}

// GetLog returns a logger named name, at the level GetLevel resolves for
// it, writing to the destinations of the most recent Configure call.
func GetLog(name string) Log {
	return &levelLogger{
		name:      name,
		level:     GetLevel(name),
		sinks:     defaultSinks,
		nameWidth: defaults.prefixWidth,
		srcLoc:    defaults.srcLoc,
	}
}

// NewLog returns a logger bound to w instead of the configured destination.
func NewLog(name string, w io.Writer) Log {
	return &levelLogger{
		name:      name,
		level:     GetLevel(name),
		sinks:     []*sink{{Writer: w}},
		nameWidth: defaults.prefixWidth,
		srcLoc:    defaults.srcLoc,
	}
}

// sink wraps a destination; term marks writers that understand ANSI color.
type sink struct {
	io.Writer
	term bool
}
