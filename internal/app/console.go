package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/livetranslate/internal/session"
)

const timeLayout = "15:04:05"

// Console renders orchestrator events as plain text lines. It is the only
// consumer of [session.Orchestrator.Events] and must keep draining the
// channel even when its output is discarded.
type Console struct {
	w      io.Writer
	events <-chan session.Event
}

// NewConsole returns a Console reading events and writing to w. A nil w
// discards the output.
func NewConsole(w io.Writer, events <-chan session.Event) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: w, events: events}
}

// Run renders events until ctx is cancelled. It always returns nil.
func (c *Console) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.render(ev)
		}
	}
}

func (c *Console) render(ev session.Event) {
	ts := ev.At.Format(timeLayout)
	switch ev.Kind {
	case session.EventState:
		fmt.Fprintf(c.w, "[%s] state: %s\n", ts, ev.State.Session())
	case session.EventStatus:
		fmt.Fprintf(c.w, "[%s] %s\n", ts, ev.Status)
	case session.EventEntry:
		fmt.Fprintf(c.w, "[%s] %s\n", ts, formatEntry(ev.Entry))
	case session.EventChunkSent:
		slog.Debug("chunk sent", "sequence", ev.Sequence)
	case session.EventBoundary:
		slog.Debug("vad boundary", "kind", ev.Boundary.Kind.String(), "reason", ev.Boundary.Reason.String())
	}
}

func formatEntry(e session.Entry) string {
	switch e.Kind {
	case session.EntryTranscription:
		if e.IsEnglish || e.OriginalText == "" {
			return e.Text
		}
		return fmt.Sprintf("%s (original: %s)", e.Text, e.OriginalText)
	case session.EntrySummary:
		if e.OriginalText == "" {
			return "summary: " + e.Text
		}
		return fmt.Sprintf("summary: %s\n  original: %s", e.Text, e.OriginalText)
	case session.EntryError:
		return "! " + e.Text
	case session.EntryLoading:
		return "… " + e.Text
	default:
		return e.Text
	}
}
