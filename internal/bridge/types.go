package bridge

import (
	"fmt"
	"time"
)

// Shape is the output form the caller asked for.
type Shape int

const (
	// ShapeChat emits one chat increment per content record.
	ShapeChat Shape = iota
	// ShapeGenerate emits one completion increment per content record.
	ShapeGenerate
	// ShapeBuffered emits nothing until the terminal event, which carries
	// the whole text.
	ShapeBuffered
)

func (s Shape) String() string {
	switch s {
	case ShapeChat:
		return "chat"
	case ShapeGenerate:
		return "generate"
	case ShapeBuffered:
		return "buffered"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Turn is one conversation message as the remote chat expects it.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything one bridge operation needs from the caller.
type Request struct {
	Model        string
	Turns        []Turn
	Shape        Shape
	SystemPrompt string
	// Optional sampling overrides; nil means the configured default.
	Temperature *float64
	TopP        *float64
}

const roleAssistant = "assistant"

// Event is one translated unit of output. Increments have Done false and
// carry Text. The terminal event has Done true, the increment count and the
// elapsed time, plus the full text for ShapeBuffered.
type Event struct {
	Role       string
	Text       string
	Done       bool
	DoneReason string
	Count      int
	Elapsed    time.Duration
}

// State names the orchestrator's position in one bridge attempt.
type State int

const (
	StateIdle State = iota
	StateSessionReady
	StateNavigatedToChat
	StateArmed
	StateSubmitted
	StateDraining
	StateCompleted
	StateTransportFailed
)

var stateNames = [...]string{
	StateIdle:            "Idle",
	StateSessionReady:    "SessionReady",
	StateNavigatedToChat: "NavigatedToChat",
	StateArmed:           "Armed",
	StateSubmitted:       "Submitted",
	StateDraining:        "Draining",
	StateCompleted:       "Completed",
	StateTransportFailed: "TransportFailed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
