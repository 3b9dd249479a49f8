// Package diag is the JIT core's leveled logger: colorized level tags
// on a TTY, a plain prefix otherwise, and a Crit level that dumps the
// offending value with github.com/davecgh/go-spew plus a captured call
// stack before the process exits — for internal invariant violations
// only (a second CodeCacheFull, an IR node with no lowering), never for
// ordinary guest-program errors, which are returned, not logged.
package diag

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DBG"
	case LevelInfo:
		return "INF"
	case LevelWarn:
		return "WRN"
	case LevelError:
		return "ERR"
	case LevelCrit:
		return "CRT"
	default:
		return "???"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
	LevelCrit:  color.New(color.FgHiRed, color.Bold),
}

// Logger is a minimal leveled writer keyed to one run id, in the style
// of go-ethereum's log.Logger: every line is tagged with the level, a
// timestamp, and the run's session id so log lines from one process
// run can be told apart from another when dumps are compared side by
// side.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	minimum Level
	session uuid.UUID
}

// New builds a Logger writing to w. If w is os.Stdout/os.Stderr and
// attached to a TTY, output runs through go-colorable so ANSI color
// codes render correctly on Windows consoles too; color is suppressed
// entirely when isatty reports the stream is redirected, matching the
// teacher corpus's "no color codes in a log file" convention.
func New(w io.Writer, minimum Level) *Logger {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if useColor {
			w = colorable.NewColorable(f)
		}
	}
	return &Logger{out: w, color: useColor, minimum: minimum, session: uuid.New()}
}

// Default builds a Logger over os.Stderr at LevelInfo, the same default
// the CLI falls back to when no -loglevel flag is given.
func Default() *Logger { return New(os.Stderr, LevelInfo) }

// Session returns the run id every line from this logger is tagged with.
func (l *Logger) Session() uuid.UUID { return l.session }

func (l *Logger) log(lvl Level, msg string, kv ...interface{}) {
	if lvl < l.minimum {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tag := lvl.tag()
	if l.color {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(l.out, "[%s] %s %s session=%s", tag, time.Now().Format("15:04:05.000"), msg, l.session)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv...) }

// Crit logs at LevelCrit, dumps v (a struct describing the violated
// invariant — an IR block, a fault record) with spew, appends the
// caller's stack, and exits the process. Reserved for conditions
// pkg/jit and friends consider unrecoverable bugs in this program, not
// guest-program errors.
func (l *Logger) Crit(msg string, v interface{}) {
	l.log(LevelCrit, msg)
	l.mu.Lock()
	fmt.Fprintln(l.out, spew.Sdump(v))
	fmt.Fprintln(l.out, stack.Trace().TrimRuntime())
	l.mu.Unlock()
	os.Exit(2)
}
