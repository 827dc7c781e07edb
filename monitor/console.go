package monitor

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// Console renders metric records to a writer. When the writer is a terminal,
// records are redrawn in place on a single line; otherwise each record is
// printed on its own line so piped output stays readable.
type Console struct {
	out     io.Writer
	inPlace bool
}

// NewConsole creates a console sink on stdout, detecting whether it is a
// terminal.
func NewConsole() *Console {
	return &Console{
		out:     os.Stdout,
		inPlace: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
}

// NewConsoleWriter creates a console sink on an arbitrary writer, always in
// line mode.
func NewConsoleWriter(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) RecordMetrics(rec Record) error {
	line := fmt.Sprintf("epoch %d iter %d: total=%.6f recon=%.6f kl=%.6f action=%.6f",
		rec.Epoch, rec.Iteration, rec.TotalLoss, rec.ReconLoss, rec.KLLoss, rec.ActionLoss)

	var err error
	if c.inPlace {
		_, err = fmt.Fprintf(c.out, "\r%s", line)
	} else {
		_, err = fmt.Fprintln(c.out, line)
	}
	return err
}

func (c *Console) UpdateInfo(info string) error {
	if c.inPlace {
		// Break out of the in-place metrics line first.
		if _, err := fmt.Fprintln(c.out); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(c.out, info)
	return err
}
