package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
)

// Lister is the store view needed for an export.
type Lister interface {
	ListEventStates(ctx context.Context) ([]*model.EventState, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	StateCount int       `json:"state_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes every live event state as JSONL to w, sorted by
// resource and event package. Content is base64 encoded.
func ExportJSONL(ctx context.Context, s Lister, w io.Writer) error {
	states, err := s.ListEventStates(ctx)
	if err != nil {
		return fmt.Errorf("list event states: %w", err)
	}

	sort.Slice(states, func(i, j int) bool {
		if states[i].Resource != states[j].Resource {
			return states[i].Resource < states[j].Resource
		}
		return states[i].EventType < states[j].EventType
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		StateCount: len(states),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, st := range states {
		if err := enc.Encode(record{Type: "event_state", Data: st}); err != nil {
			return fmt.Errorf("encode state %s/%s: %w", st.Resource, st.EventType, err)
		}
	}
	return nil
}
