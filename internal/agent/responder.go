package agent

import (
	"context"
	"unicode/utf8"
)

// Request is one user turn handed to the tutor.
type Request struct {
	SessionID    string
	TurnSequence int64
	Transcript   string
}

// Reply is the generated tutor response. Units is the metered length of the
// response: roughly one unit per second of synthesized speech.
type Reply struct {
	Text  string `json:"text"`
	Units int64  `json:"units"`
}

// Responder generates the agent side of a turn. Implementations must return
// promptly once ctx is cancelled.
type Responder interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
}

// EstimateUnits converts response text into billable units, rounding up.
// Any non-empty reply costs at least one unit.
func EstimateUnits(text string, charsPerUnit int) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if charsPerUnit <= 0 {
		charsPerUnit = 1
	}
	return int64((n + charsPerUnit - 1) / charsPerUnit)
}
