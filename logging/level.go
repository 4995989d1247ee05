package logging

import (
	"io"
	"strings"

	"github.com/kalcast/kalcast/util/glob"
)

type Level int

const (
	LevelAll Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = []string{"ALL", "TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

var levelValues = map[string]Level{
	"TRACE": LevelTrace,
	"DEBUG": LevelDebug,
	"INFO":  LevelInfo,
	"WARN":  LevelWarn,
	"ERROR": LevelError,
}

func (lvl *Level) UnmarshalJSON(b []byte) error {
	*lvl = ParseLogLevel(string(b))
	return nil
}

// ParseLogLevel maps a level name to its Level, LevelAll when unknown.
func ParseLogLevel(name string) Level {
	lvl, _ := ParseLogLevelP(name)
	return lvl
}

// ParseLogLevelP additionally reports whether name is a known level name.
// "NONE" parses to a gate above LevelError, silencing everything, but is
// not reported as a known level.
func ParseLogLevelP(name string) (Level, bool) {
	n := strings.ToUpper(name)
	if n == "NONE" {
		return LevelError + 1, false
	}
	lvl, ok := levelValues[n]
	if !ok {
		return LevelAll, false
	}
	return lvl, true
}

func LogLevelName(level Level) string {
	if level >= 0 && int(level) < len(levelNames) {
		return levelNames[level]
	}
	return "UNKNOWN"
}

type Log interface {
	io.Writer

	TraceEnabled() bool
	Trace(...any)
	Tracef(format string, args ...any)
	DebugEnabled() bool
	Debug(...any)
	Debugf(format string, args ...any)
	InfoEnabled() bool
	Info(...any)
	Infof(format string, args ...any)
	WarnEnabled() bool
	Warn(...any)
	Warnf(format string, args ...any)
	ErrorEnabled() bool
	Error(...any)
	Errorf(format string, args ...any)

	LogEnabled(level Level) bool

	Log(level Level, m ...any)
	Logf(level Level, format string, args ...any)

	SetLevel(level Level)
	Level() Level
}

type levelLogger struct {
	name      string
	level     Level
	sinks     []*sink
	nameWidth int
	srcLoc    bool
}

func (l *levelLogger) SetLevel(level Level) { l.level = level }
func (l *levelLogger) Level() Level         { return l.level }

func (l *levelLogger) TraceEnabled() bool { return l.level <= LevelTrace }
func (l *levelLogger) DebugEnabled() bool { return l.level <= LevelDebug }
func (l *levelLogger) InfoEnabled() bool  { return l.level <= LevelInfo }
func (l *levelLogger) WarnEnabled() bool  { return l.level <= LevelWarn }
func (l *levelLogger) ErrorEnabled() bool { return l.level <= LevelError }

func (l *levelLogger) LogEnabled(lvl Level) bool { return l.level <= lvl }

func (l *levelLogger) Trace(m ...any) { l.emit(LevelTrace, 1, m) }
func (l *levelLogger) Debug(m ...any) { l.emit(LevelDebug, 1, m) }
func (l *levelLogger) Info(m ...any)  { l.emit(LevelInfo, 1, m) }
func (l *levelLogger) Warn(m ...any)  { l.emit(LevelWarn, 1, m) }
func (l *levelLogger) Error(m ...any) { l.emit(LevelError, 1, m) }

func (l *levelLogger) Tracef(format string, args ...any)          { l.emitf(LevelTrace, 0, format, args) }
func (l *levelLogger) Debugf(format string, args ...any)          { l.emitf(LevelDebug, 0, format, args) }
func (l *levelLogger) Infof(format string, args ...any)           { l.emitf(LevelInfo, 0, format, args) }
func (l *levelLogger) Warnf(format string, args ...any)           { l.emitf(LevelWarn, 0, format, args) }
func (l *levelLogger) Errorf(format string, args ...any)          { l.emitf(LevelError, 0, format, args) }
func (l *levelLogger) Logf(lvl Level, format string, args ...any) { l.emitf(lvl, 0, format, args) }

func (l *levelLogger) Log(lvl Level, m ...any) {
	l.emitf(lvl, 0, "%s", m)
}

var levelConfig = make(map[string]Level)

var defaults = struct {
	level       Level
	prefixWidth int
	srcLoc      bool
}{
	level:       LevelInfo,
	prefixWidth: 18,
}

func SetDefaultLevel(lvl Level) { defaults.level = lvl }

func DefaultLevel() Level { return defaults.level }

func SetDefaultEnableSourceLocation(flag bool) { defaults.srcLoc = flag }

func SetDefaultPrefixWidth(width int) {
	if width <= 0 {
		width = 18
	}
	defaults.prefixWidth = width
}

func DefaultPrefixWidth() int { return defaults.prefixWidth }

// SetLevel pins the level for logger names matching the glob pattern.
func SetLevel(pattern string, lvl Level) {
	levelConfig[pattern] = lvl
}

// GetLevel resolves the level for a logger name. Among the configured
// patterns that match, the longest wins; names with no match get the
// default level.
func GetLevel(name string) Level {
	lvl := defaults.level
	best := -1
	for pattern, l := range levelConfig {
		if ok, err := glob.Match(pattern, name); ok && err == nil && len(pattern) > best {
			best = len(pattern)
			lvl = l
		}
	}
	return lvl
}
