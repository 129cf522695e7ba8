package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	logterm "github.com/go-kit/log/term"
	"golang.org/x/term"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func levelColor(keyvals ...interface{}) logterm.FgBgColor {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] != level.Key() {
			continue
		}
		switch fmt.Sprint(keyvals[i+1]) {
		case "error":
			return logterm.FgBgColor{Fg: logterm.Red}
		case "warn":
			return logterm.FgBgColor{Fg: logterm.Yellow}
		case "debug":
			return logterm.FgBgColor{Fg: logterm.Cyan}
		}
	}
	return logterm.FgBgColor{}
}

// newLogger writes logfmt diagnostics to w, colored by level when w is a
// terminal. Debug lines are dropped unless verbose is set.
func newLogger(w io.Writer, verbose bool) log.Logger {
	var logger log.Logger
	if isTerminal(w) {
		logger = logterm.NewColorLogger(w, log.NewLogfmtLogger, levelColor)
	} else {
		logger = log.NewLogfmtLogger(w)
	}
	logger = log.NewSyncLogger(logger)

	allow := level.AllowInfo()
	if verbose {
		allow = level.AllowDebug()
	}
	return level.NewFilter(logger, allow)
}
