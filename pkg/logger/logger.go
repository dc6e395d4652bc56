package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger is the structured logger every component writes through.
// args are alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

type LogData struct {
	writer  io.Writer
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// WithLevel accepts zerolog level names; unknown names keep the current level.
func (build *LogBuild) WithLevel(level string) *LogBuild {
	if l, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		build.level = l
	}
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stderr
	if build.writer != nil {
		logData.writer = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Close releases the log file, if any.
func (logData *LogData) Close() error {
	if logData.LogFile == nil {
		return nil
	}
	return logData.LogFile.Close()
}

func (logData *LogData) Error(msg string, args ...any) {
	logData.Logger.Error().Fields(Redact(args)).Msg(msg)
}

func (logData *LogData) Warn(msg string, args ...any) {
	logData.Logger.Warn().Fields(Redact(args)).Msg(msg)
}

func (logData *LogData) Info(msg string, args ...any) {
	logData.Logger.Info().Fields(Redact(args)).Msg(msg)
}

func (logData *LogData) Debug(msg string, args ...any) {
	logData.Logger.Debug().Fields(Redact(args)).Msg(msg)
}

// Nop discards everything.
func Nop() Logger { return nop{} }

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

var redactedKeys = map[string]struct{}{
	"password":     {},
	"secret":       {},
	"token":        {},
	"sessiontoken": {},
	"nonce":        {},
	"otp":          {},
}

// Redact replaces the values of credential-like keys with "[REDACTED]".
// A trailing key without a value is kept as-is.
func Redact(args []any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if _, hit := redactedKeys[strings.ToLower(key)]; hit {
			out[i+1] = "[REDACTED]"
		}
	}
	return out
}
