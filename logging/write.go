package logging

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	colorWarn  = "\033[90;43m"
	colorError = "\033[97;41m"
	colorReset = "\033[0m"
)

var (
	totalCounter gometrics.Counter
	warnCounter  gometrics.Counter
	errorCounter gometrics.Counter
)

func init() {
	totalCounter = gometrics.NewRegisteredCounter("log.total", gometrics.DefaultRegistry)
	warnCounter = gometrics.NewRegisteredCounter("log.warns", gometrics.DefaultRegistry)
	errorCounter = gometrics.NewRegisteredCounter("log.errors", gometrics.DefaultRegistry)
}

func (l *levelLogger) emit(lvl Level, callDepth int, args []any) {
	l.emitf(lvl, callDepth, "", args)
}

// emitf formats one log line and writes it to every sink. An empty format
// joins the arguments with spaces instead of interpolating.
func (l *levelLogger) emitf(lvl Level, callDepth int, format string, args []any) {
	if lvl < l.level {
		return
	}

	totalCounter.Inc(1)
	switch lvl {
	case LevelWarn:
		warnCounter.Inc(1)
	case LevelError:
		errorCounter.Inc(1)
	}

	var msg string
	if format == "" {
		parts := make([]string, len(args))
		for i, a := range args {
			if s, ok := a.(string); ok {
				parts[i] = s
			} else {
				parts[i] = fmt.Sprint(a)
			}
		}
		msg = strings.Join(parts, " ")
	} else {
		msg = fmt.Sprintf(format, args...)
	}

	ts := time.Now().Format("2006/01/02 15:04:05.000")
	tag := fmt.Sprintf("%-5s", levelNames[lvl])
	prefix := l.namePrefix(callDepth)

	for _, s := range l.sinks {
		if s.term {
			on, off := levelColor(lvl)
			fmt.Fprintf(s, "%s %s%s%s %s %s\n", ts, on, tag, off, prefix, msg)
		} else {
			fmt.Fprintf(s, "%s %s %s %s\n", ts, tag, prefix, stripEscapes(msg))
		}
	}
}

// namePrefix pads the logger name to the configured width, appending the
// calling source location when enabled.
func (l *levelLogger) namePrefix(callDepth int) string {
	if !l.srcLoc {
		return fmt.Sprintf("%-*s", l.nameWidth, l.name)
	}
	_, file, line, _ := runtime.Caller(3 + callDepth)
	file = filepath.Base(file)
	width := l.nameWidth - len(file) - 5
	if width <= 0 {
		width = 1
	}
	return fmt.Sprintf("%-*s %s %3d", width, l.name, file, line)
}

func levelColor(lvl Level) (string, string) {
	switch lvl {
	case LevelWarn:
		return colorWarn, colorReset
	case LevelError:
		return colorError, colorReset
	}
	return "", ""
}

// Write lets the logger stand in for a plain io.Writer; lines arrive
// timestamped but untagged.
func (l *levelLogger) Write(p []byte) (n int, err error) {
	stamp := []byte(time.Now().Format("2006/01/02 15:04:05.000") + " -     ")
	for _, s := range l.sinks {
		s.Write(stamp)
		n, err = s.Write(p)
	}
	return
}

func stripEscapes(str string) string {
	for {
		i := strings.Index(str, "\033[")
		if i < 0 {
			return str
		}
		j := strings.IndexByte(str[i:], 'm')
		if j < 0 {
			return str
		}
		str = str[:i] + str[i+j+1:]
	}
}
