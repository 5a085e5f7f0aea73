package orchestrator

import (
	"fmt"
	"io"

	"github.com/andrej220/saltstep/pkg/lg"
)

// Sink receives the job output, line by line.
type Sink interface {
	Stdout(line string)
	Stderr(line string)
}

// LogSink writes stdout lines at info and stderr lines at warn level.
type LogSink struct {
	Logger lg.Logger
}

func (s LogSink) Stdout(line string) { s.Logger.Info(line, lg.String("stream", "stdout")) }
func (s LogSink) Stderr(line string) { s.Logger.Warn(line, lg.String("stream", "stderr")) }

// WriterSink copies the job output to two writers, e.g. os.Stdout and os.Stderr.
type WriterSink struct {
	Out io.Writer
	Err io.Writer
}

func (s WriterSink) Stdout(line string) { fmt.Fprintln(s.Out, line) }
func (s WriterSink) Stderr(line string) { fmt.Fprintln(s.Err, line) }
