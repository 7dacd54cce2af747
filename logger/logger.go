// Package logger defines the minimal logging contract used by middleware and
// other components that only need to emit a line of text. Components that need
// structured logging take a *logharbour.Logger directly.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// Logger is an interface that represents a logger.
type Logger interface {
	Log(message string) error
}

// StdLogger logs messages to the given writer using the standard library logger.
type StdLogger struct {
	l *log.Logger
}

func NewLogger(w io.Writer) *StdLogger {
	return &StdLogger{l: log.New(w, "", log.LstdFlags)}
}

func (sl *StdLogger) Log(message string) error {
	sl.l.Println(message)
	return nil
}

// ConsoleLogger logs messages to the console.
type ConsoleLogger struct{}

func (cl *ConsoleLogger) Log(message string) error {
	fmt.Println(message)
	return nil
}

// FileLogger logs messages to a file.
type FileLogger struct {
	FilePath string
}

func NewFileLogger(filePath string) *FileLogger {
	return &FileLogger{FilePath: filePath}
}

func (fl *FileLogger) Log(message string) error {
	if fl.FilePath == "" {
		return fmt.Errorf("FilePath cannot be empty")
	}

	file, err := os.OpenFile(fl.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	logger := log.New(file, "", log.LstdFlags)
	logger.Println(message)

	return nil
}

// LogHarbour adapts a LogHarbour logger to the Logger interface.
type LogHarbour struct {
	*logharbour.Logger
}

func (lh *LogHarbour) Log(message string) error {
	lh.Info().LogActivity(message, nil)
	return nil
}
