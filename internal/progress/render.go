// Package progress shows a job submission as it moves through upload,
// polling and result download.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/mixrelay/internal/client"
	"github.com/sheerbytes/mixrelay/internal/termio"
)

// Render displays t on w until the returned stop func is called. Terminals
// get a live bubbletea view; anything else gets plain lines. interrupt is
// called when the user presses Ctrl+C in the live view.
func Render(ctx context.Context, w io.Writer, t *Tracker, interrupt func()) func() {
	if interrupt == nil {
		interrupt = func() {}
	}
	if termio.IsTerminal(w) {
		return renderTea(ctx, w, t, interrupt)
	}
	return RenderPlain(ctx, w, t, time.Second)
}

// RenderPlain prints a line per event, and every interval while a file is in
// flight. Repeated identical lines are dropped.
func RenderPlain(ctx context.Context, w io.Writer, t *Tracker, interval time.Duration) func() {
	var (
		mu   sync.Mutex
		last string
	)
	emit := func() {
		mu.Lock()
		defer mu.Unlock()
		line := Summary(t.View())
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.Changed():
				emit()
			case <-ticker.C:
				switch t.View().State {
				case client.StateSendingPairs, client.StateResultReady:
					emit()
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		emit()
	}
}
