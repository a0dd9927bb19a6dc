package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/xkilldash9x/venice-bridge/internal/bridge"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// createdAtLayout matches the microsecond UTC stamps Ollama clients expect.
const createdAtLayout = "2006-01-02T15:04:05.000000Z"

// -- Requests --

type Message struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content"`
}

// Options carries the sampling overrides Ollama clients send.
type Options struct {
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `json:"top_p" validate:"omitempty,gte=0,lte=1"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
	Stream   *bool     `json:"stream"`
	Options  *Options  `json:"options"`
}

type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt" validate:"required"`
	System  string   `json:"system"`
	Stream  *bool    `json:"stream"`
	Options *Options `json:"options"`
}

// CompletionRequest is the subset of an OpenAI chat completion request the
// bridge understands.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64  `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64  `json:"top_p" validate:"omitempty,gte=0,lte=1"`
}

// -- Ollama stream lines --

// Stats is the timing block of a terminal line. Every duration is the same
// measured wall time and both counts are the increment count.
type Stats struct {
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int   `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

func statsOf(e bridge.Event) Stats {
	ns := e.Elapsed.Nanoseconds()
	return Stats{
		TotalDuration:      ns,
		LoadDuration:       ns,
		PromptEvalCount:    e.Count,
		PromptEvalDuration: ns,
		EvalCount:          e.Count,
		EvalDuration:       ns,
	}
}

type ChatChunk struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
}

type ChatFinal struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	DoneReason string  `json:"done_reason"`
	Done       bool    `json:"done"`
	Stats
}

type GenerateChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type GenerateFinal struct {
	Model      string `json:"model"`
	CreatedAt  string `json:"created_at"`
	Response   string `json:"response"`
	DoneReason string `json:"done_reason"`
	Done       bool   `json:"done"`
	Stats
}

// -- OpenAI --

type Completion struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// -- Model metadata --

type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

type ModelTag struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

type TagsResponse struct {
	Models []ModelTag `json:"models"`
}

func modelTag(m config.ModelConfig) ModelTag {
	return ModelTag{
		Name:       m.Name,
		Model:      m.Name,
		ModifiedAt: m.ModifiedAt,
		Size:       m.Size,
		Digest:     modelDigest(m.Name, m.ParameterSize),
		Details: ModelDetails{
			Format:            m.Format,
			Family:            m.Family,
			Families:          []string{m.Family},
			ParameterSize:     m.ParameterSize,
			QuantizationLevel: m.QuantizationLevel,
		},
	}
}

// modelDigest hashes name and size in the key-sorted, space-separated JSON
// form earlier releases used, so clients caching digests see stable values.
// Strings are ASCII-only with no HTML escaping, byte for byte what those
// releases wrote.
func modelDigest(name, parameterSize string) string {
	var b strings.Builder
	b.WriteString(`{"name": `)
	writeASCIIString(&b, name)
	b.WriteString(`, "parameter_size": `)
	writeASCIIString(&b, parameterSize)
	b.WriteByte('}')
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeASCIIString writes s as a JSON string literal. Anything outside
// printable ASCII that has no short escape becomes a lowercase \u escape,
// split into a surrogate pair above the basic plane.
func writeASCIIString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r <= 0xffff):
				fmt.Fprintf(b, `\u%04x`, r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

type VersionResponse struct {
	Version string `json:"version"`
}

type HealthResponse struct {
	Status  string         `json:"status"`
	Session *SessionStatus `json:"session,omitempty"`
}

type SessionStatus struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"`
	CreatedAt string `json:"created_at"`
	Location  string `json:"location"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
