package types

import (
	"time"
)

// Stimulus is a single raw observation. It is never modified after creation.
type Stimulus[T any] struct {
	What T         `json:"what"`
	At   time.Time `json:"at"`
}

// Impression is a summary produced by a pipeline stage, carrying the items it
// summarized. Subscribers share it read-only once published.
type Impression[T any] struct {
	ID       ImpressionID `json:"id"`
	Headline string       `json:"headline"`
	Details  string       `json:"details,omitempty"`
	Raw      T            `json:"raw_data"`
	At       time.Time    `json:"at"`
}

// Sense is the payload of a raw perceptual event.
type Sense struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	// Image is an optional encoded picture captured with the event.
	Image []byte `json:"-"`
}

// Sensation kinds produced inside the core. Sensors may use any other kind.
const (
	KindHeard      = "heard"
	KindSelfSpeech = "self_speech"
	KindHeartbeat  = "heartbeat"
	KindVision     = "vision"
)

type Sensation = Stimulus[Sense]

func NewSensation(kind, text string) Sensation {
	return Sensation{What: Sense{Kind: kind, Text: text}, At: time.Now()}
}

// The pipeline levels. Each stage summarizes a batch of the level below it.
type (
	Instant   = Impression[[]Sensation]
	Moment    = Impression[[]Instant]
	Situation = Impression[[]Moment]
	Episode   = Impression[[]Situation]
	Identity  = Impression[[]Episode]
)

// FaceInfo describes faces currently seen by a camera sensor.
type FaceInfo struct {
	Names []string  `json:"names"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// WitReport records one emission for the debug channel.
type WitReport struct {
	ID     ReportID  `json:"id"`
	Name   string    `json:"name"`
	Prompt string    `json:"prompt"`
	Output string    `json:"output"`
	At     time.Time `json:"at"`
}

// InstructionKind is the closed set of directives the agent can emit.
type InstructionKind string

const (
	InstructionSay          InstructionKind = "say"
	InstructionEmote        InstructionKind = "emote"
	InstructionMove         InstructionKind = "move"
	InstructionBreakEpisode InstructionKind = "break_episode"
)

// Instruction is a directive parsed from free-text model output.
type Instruction struct {
	Kind  InstructionKind   `json:"kind"`
	Body  string            `json:"body,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}
