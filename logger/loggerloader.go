package logger

import (
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// LoadLogger creates a new logger. By default, it creates a LogHarbour logger
// writing to stdout.
func LoadLogger(appName string) Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	lh := logharbour.NewLogger(lctx, appName, os.Stdout)

	return &LogHarbour{lh}
}
