package main

import (
	"encoding/json"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
)

// Live event types
const (
	EventConnected     = "connected"
	EventServerMetric  = "server_metric"
	EventServerStatus  = "server_status"
	EventSiteMetric    = "site_metric"
	EventStatsUpdate   = "stats_update"
	EventInvoiceUpdate = "invoice_update"
)

// liveEvent is the envelope sent to every live subscriber
type liveEvent struct {
	Type string
	Data json.RawMessage
}

// MarshalEasyJSON writes {"type":...,"data":...}
func (e liveEvent) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"type":`)
	w.String(e.Type)
	if len(e.Data) > 0 {
		w.RawString(`,"data":`)
		w.Raw(e.Data, nil)
	}
	w.RawByte('}')
}

// encodeEvent builds the wire form of an event
func encodeEvent(eventType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return easyjson.Marshal(liveEvent{Type: eventType, Data: raw})
}
