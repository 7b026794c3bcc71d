// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rlog is a small, leveled, TTY-aware logger in the classic
// go-ethereum log15 mold: colored level tags on an interactive terminal,
// plain key=value pairs when piped or redirected. It exists only to
// satisfy relayproxy's minimal Logger interface, so it carries none of
// log15's handler/filter machinery.
package rlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level orders the four severities the engine emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a CLI --log-level value to a Level, defaulting to
// LevelInfo for an unrecognized string.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var tags = [...]string{"DBUG", "INFO", "WARN", "EROR"}

var colors = [...]*color.Color{
	color.New(color.FgHiBlack),
	color.New(color.FgHiBlue),
	color.New(color.FgHiYellow),
	color.New(color.FgHiRed),
}

// Logger writes leveled lines to an underlying writer, colorized when that
// writer is a terminal.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	level   Level
	isColor bool
	caller  bool
}

// New builds a Logger writing to w at the given minimum level. If w is an
// *os.File and mattn/go-isatty reports it as a terminal, the
// level tag is colorized via fatih/color and wrapped through
// mattn/go-colorable so ANSI codes render correctly on Windows consoles
// too; otherwise output is plain key=value text suitable for log
// aggregation.
func New(w io.Writer, level Level) *Logger {
	l := &Logger{out: w, level: level}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		l.out = colorable.NewColorable(f)
		l.isColor = true
	}
	return l
}

// WithCaller enables a file:line suffix sourced from the call stack
// (go-stack/stack), matching go-ethereum's --vmodule-style diagnostic
// verbosity rather than being on by default.
func (l *Logger) WithCaller(on bool) *Logger {
	l.caller = on
	return l
}

func (l *Logger) log(lvl Level, msg string, kv []any) {
	if lvl < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	tag := tags[lvl]
	if l.isColor {
		tag = colors[lvl].Sprint(tag)
	}
	fmt.Fprintf(l.out, "%s [%s] %s", ts, tag, msg)
	if l.caller {
		fmt.Fprintf(l.out, " caller=%v", stack.Caller(2))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }
