package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
)

// dailyWriter appends to signing-YYYY-MM-DD.log in its directory,
// rotating when the day changes. Log file I/O failures are swallowed:
// a full disk must not stop the signing flow.
type dailyWriter struct {
	dir   string
	clock clockwork.Clock

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(dir string, clock clockwork.Clock) io.Writer {
	if dir == "" {
		return io.Discard
	}
	return &dailyWriter{dir: dir, clock: clock}
}

// LogFileName returns the log file name for the given day stamp.
func LogFileName(day string) string {
	return "signing-" + day + ".log"
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.clock.Now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
			w.file = nil
		}
		f, err := os.OpenFile(filepath.Join(w.dir, LogFileName(day)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			w.file = f
		}
		w.day = day
	}
	if w.file != nil {
		w.file.Write(p)
	}
	return len(p), nil
}
