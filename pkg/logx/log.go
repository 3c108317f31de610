package logx

import (
	"github.com/phuslu/log"
)

// Per-module loggers. The zero setup logs info and above to stderr;
// Setup rewires the level once configuration is known.
var (
	Sched  = newLogger("sched")
	Trace  = newLogger("trace")
	Hpc    = newLogger("hpc")
	Record = newLogger("record")
)

func newLogger(mod string) log.Logger {
	return log.Logger{
		Level:      log.InfoLevel,
		TimeFormat: "15:04:05.000",
		Context:    log.NewContext(nil).Str("mod", mod).Value(),
		Writer: &log.ConsoleWriter{
			ColorOutput:    true,
			EndWithMessage: true,
		},
	}
}

// ParseLevel converts a configured level string to a log.Level,
// defaulting to info for anything unrecognized.
func ParseLevel(s string) log.Level {
	switch s {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Setup applies the configured level to every module logger.
func Setup(level string) {
	l := ParseLevel(level)
	for _, lg := range []*log.Logger{&Sched, &Trace, &Hpc, &Record} {
		lg.Level = l
	}
}
