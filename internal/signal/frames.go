package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

type ackFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

func ackOK(id string) []byte {
	return mustFrame(ackFrame{Type: "ack", ID: id, OK: true})
}

func ackErr(id, msg string) []byte {
	return mustFrame(ackFrame{Type: "ack", ID: id, Error: msg})
}

func groupStateFrame(s domain.Snapshot) []byte {
	return mustFrame(struct {
		Type  string          `json:"type"`
		Group domain.Snapshot `json:"group"`
	}{"group-state", s})
}

func mustFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// only reachable with a broken frame type, not with user input
		log.Error().Err(err).Str("module", "signal").Msg("frame marshal")
		return []byte(`{"type":"ack","error":"Internal error"}`)
	}
	return b
}
