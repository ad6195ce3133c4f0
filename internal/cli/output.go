package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/presence-ledger/internal/domain"
)

// Output formats command results as text or JSON lines
type Output struct {
	format string
	w      io.Writer
	mu     sync.Mutex
}

// NewOutput creates a new Output formatter
func NewOutput(format string, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Print outputs data in the configured format
func (o *Output) Print(data any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.format == "json" {
		o.printJSON(data)
	} else {
		o.printText(data)
	}
}

func (o *Output) printJSON(data any) {
	_ = json.NewEncoder(o.w).Encode(data)
}

func (o *Output) printText(data any) {
	switch v := data.(type) {
	case ProbeResult:
		o.printProbeResult(v)
	case domain.PresenceEvent:
		o.printEvent(v)
	default:
		// Fallback to JSON for unknown types
		o.printJSON(data)
	}
}

func (o *Output) printProbeResult(r ProbeResult) {
	fmt.Fprintf(o.w, "%s  %s  %d/%d online  (%s)\n",
		r.Target, r.Version, r.Online, r.Max, r.Latency.Round(time.Millisecond))
	for _, p := range r.Players {
		fmt.Fprintf(o.w, "  %-16s %s\n", p.Name, p.ID)
	}
	if hidden := r.Online - len(r.Players); hidden > 0 {
		fmt.Fprintf(o.w, "  ... %d more not listed by the server\n", hidden)
	}
}

func (o *Output) printEvent(e domain.PresenceEvent) {
	ts := e.Timestamp.Format(time.RFC3339)
	switch e.Type {
	case domain.PresenceEventCycle:
		fmt.Fprintf(o.w, "%s cycle   %s online=%d\n", ts, e.Date, e.OnlineCount)
	case domain.PresenceEventJoined:
		fmt.Fprintf(o.w, "%s joined  %s (%s)\n", ts, e.PlayerName, e.PlayerID)
	default:
		fmt.Fprintf(o.w, "%s %-7s %s\n", ts, e.Type, e.PlayerID)
	}
}
