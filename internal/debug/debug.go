// Package debug provides gated diagnostic logging. Output is off by default;
// point it at a writer (or stderr via INDEXSYNC_DEBUG=1) to trace sync runs.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu     sync.Mutex
	output io.Writer
)

func init() {
	if os.Getenv("INDEXSYNC_DEBUG") == "1" {
		output = os.Stderr
	}
}

// SetOutput sets a custom writer for debug output. Pass nil to disable debug
// output entirely.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// Enabled reports whether debug output is currently being written anywhere.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return output != nil
}

// LogSync writes a timestamped sync-engine trace line.
func LogSync(format string, args ...any) {
	logf("sync", format, args...)
}

// LogWatch writes a timestamped watcher trace line.
func LogWatch(format string, args ...any) {
	logf("watch", format, args...)
}

func logf(tag, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if output == nil {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(output, "[%s %s] %s", ts, tag, fmt.Sprintf(format, args...))
}
