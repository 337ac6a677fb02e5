package barecat

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds the zerolog.Logger attached to every Session. Callers
// that want structured JSON (shipped to a collector) pass w=nil to get
// the default os.Stderr writer; tests and CLI tools pass their own
// io.Writer (e.g. a ConsoleWriter) via Options.LogWriter.
func newLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
