package output

import (
	"io"
	"os"
)

// Printer renders output to stdout.
type Printer interface {
	Print(v any) error
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
