package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// Payload is merged onto the body of the intercepted chat call.
type Payload struct {
	RequestID        string  `json:"requestId"`
	ModelID          string  `json:"modelId"`
	Prompt           []Turn  `json:"prompt"`
	SystemPrompt     string  `json:"systemPrompt"`
	ConversationType string  `json:"conversationType"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
}

// InterceptionSpec says which outbound call to capture and what to put in it.
// The payload's RequestID doubles as the capture buffer key.
type InterceptionSpec struct {
	Pattern string
	Method  string
	Payload Payload
}

// Token returns the correlation token of the spec.
func (s InterceptionSpec) Token() string { return s.Payload.RequestID }

// NewToken returns a fresh eight character correlation token.
func NewToken() string {
	return uuid.NewString()[:8]
}

// NewInterceptionSpec builds the spec for one attempt of req.
func NewInterceptionSpec(token string, req Request, venice config.VeniceConfig, inf config.InferenceConfig) InterceptionSpec {
	p := Payload{
		RequestID:        token,
		ModelID:          req.Model,
		Prompt:           req.Turns,
		SystemPrompt:     inf.SystemPrompt,
		ConversationType: inf.ConversationType,
		Temperature:      inf.Temperature,
		TopP:             inf.TopP,
	}
	if req.SystemPrompt != "" {
		p.SystemPrompt = req.SystemPrompt
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	return InterceptionSpec{
		Pattern: venice.InterceptPattern,
		Method:  strings.ToUpper(venice.InterceptMethod),
		Payload: p,
	}
}

// Arm installs the single-shot fetch interceptor for spec into the page.
func Arm(ctx context.Context, h browser.Handle, spec InterceptionSpec) error {
	script, err := render(armScript, armArgs{
		Token:   spec.Token(),
		Pattern: spec.Pattern,
		Method:  spec.Method,
		Payload: spec.Payload,
	})
	if err != nil {
		return err
	}
	var installed bool
	if err := h.Evaluate(ctx, script, &installed); err != nil {
		return err
	}
	if !installed {
		return errors.New("interceptor did not report installation")
	}
	return nil
}
