package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type manager struct {
	errorLog  *RotatingFile
	accessLog *RotatingFile
	pageLog   *RotatingFile
}

var (
	globalMu sync.RWMutex
	global   = manager{}
)

type Options struct {
	ErrorPath  string
	AccessPath string
	PagePath   string
	MaxSize    int64
	Level      string
}

// Configure points the global zerolog logger, the stdlib logger and the
// access and page logs at their rotating files.
func Configure(opts Options) {
	globalMu.Lock()
	for _, f := range []*RotatingFile{global.errorLog, global.accessLog, global.pageLog} {
		_ = f.Close()
	}
	global.errorLog = NewRotatingFile(opts.ErrorPath, opts.MaxSize)
	global.accessLog = NewRotatingFile(opts.AccessPath, opts.MaxSize)
	global.pageLog = NewRotatingFile(opts.PagePath, opts.MaxSize)
	globalMu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var out io.Writer = ErrorWriter()
	if out == os.Stderr && isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

// ParseLevel accepts zerolog level names plus the cupsd spellings
// "warn" and "none".
func ParseLevel(v string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "none":
		return zerolog.Disabled
	case "warn":
		return zerolog.WarnLevel
	case "debug2":
		return zerolog.TraceLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(v)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog.Target()
	}
	return os.Stderr
}

func Access(line string) {
	globalMu.RLock()
	logger := global.accessLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}

func Page(line string) {
	globalMu.RLock()
	logger := global.pageLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}
