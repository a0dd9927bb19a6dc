package api

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/venice-bridge/internal/bridge"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

//go:embed show.json
var showPayload []byte

const maxBodyBytes = 4 << 20

// errInvalidBody is reported, in these exact words, for any body that is not
// JSON in an accepted content type. Existing clients match on the text.
var errInvalidBody = errors.New("Invalid JSON data received")

// Bridger runs one bridged request.
type Bridger interface {
	Bridge(ctx context.Context, req bridge.Request, emit func(bridge.Event) error) error
}

// SessionReporter exposes the live session, if any.
type SessionReporter interface {
	Current() *bridge.Session
}

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Bridge    Bridger
	Sessions  SessionReporter
	Gatherer  prometheus.Gatherer
	Validator Validator
}

// Handlers serves the Ollama and OpenAI compatible surface.
type Handlers struct {
	log       *zap.Logger
	bridge    Bridger
	sessions  SessionReporter
	gatherer  prometheus.Gatherer
	validator Validator
	models    []config.ModelConfig
	version   string
	inference config.InferenceConfig
	now       func() time.Time
}

func NewHandlers(logger *zap.Logger, cfg *config.Config, deps Deps) *Handlers {
	v := deps.Validator
	if v == nil {
		v = NewValidator()
	}
	g := deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Handlers{
		log:       logger.Named("api"),
		bridge:    deps.Bridge,
		sessions:  deps.Sessions,
		gatherer:  g,
		validator: v,
		models:    cfg.Models,
		version:   cfg.Server.Version,
		inference: cfg.Inference,
		now:       time.Now,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleRoot)
	r.Head("/", h.HandleRoot)
	r.Get("/healthz", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Post("/generate", h.HandleGenerate)
		r.Get("/version", h.HandleVersion)
		r.Get("/tags", h.HandleTags)
		r.Post("/show", h.HandleShow)
	})
	r.Post("/v1/chat/completions", h.HandleCompletions)
}

func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, "Ollama is running")
	}
}

// HandleHealth reports 200 while an authenticated session is live.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var s *bridge.Session
	if h.sessions != nil {
		s = h.sessions.Current()
	}
	if s == nil {
		h.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "no_session"})
		return
	}
	h.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Session: &SessionStatus{
			ID:        s.ID,
			Mode:      string(s.Mode),
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
			Location:  s.Location(),
		},
	})
}

func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, VersionResponse{Version: h.version})
}

func (h *Handlers) HandleTags(w http.ResponseWriter, r *http.Request) {
	resp := TagsResponse{Models: make([]ModelTag, 0, len(h.models))}
	for _, m := range h.models {
		resp.Models = append(resp.Models, modelTag(m))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// HandleShow answers with fixed metadata whatever model is asked about.
func (h *Handlers) HandleShow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(showPayload)
}

func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	breq := bridge.Request{Model: req.Model, Turns: turnsOf(req.Messages), Shape: bridge.ShapeChat}
	applyOptions(&breq, req.Options)
	model := h.modelName(req.Model)

	if req.Stream != nil && !*req.Stream {
		breq.Shape = bridge.ShapeBuffered
		final, err := h.collect(r.Context(), breq)
		if err != nil {
			h.fail(w, r, nil, err)
			return
		}
		h.respondJSON(w, http.StatusOK, ChatFinal{
			Model:      model,
			CreatedAt:  h.createdAt(),
			Message:    Message{Role: final.Role, Content: final.Text},
			DoneReason: final.DoneReason,
			Done:       true,
			Stats:      statsOf(final),
		})
		return
	}

	out := newNDJSONWriter(w)
	err := h.bridge.Bridge(r.Context(), breq, func(e bridge.Event) error {
		if e.Done {
			return out.send(ChatFinal{
				Model:      model,
				CreatedAt:  h.createdAt(),
				Message:    Message{Role: e.Role, Content: ""},
				DoneReason: e.DoneReason,
				Done:       true,
				Stats:      statsOf(e),
			})
		}
		return out.send(ChatChunk{
			Model:     model,
			CreatedAt: h.createdAt(),
			Message:   Message{Role: e.Role, Content: e.Text},
		})
	})
	h.fail(w, r, out, err)
}

func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	breq := bridge.Request{
		Model:        req.Model,
		Turns:        splitPrompt(req.Prompt),
		Shape:        bridge.ShapeGenerate,
		SystemPrompt: req.System,
	}
	applyOptions(&breq, req.Options)
	model := h.modelName(req.Model)

	if req.Stream != nil && !*req.Stream {
		breq.Shape = bridge.ShapeBuffered
		final, err := h.collect(r.Context(), breq)
		if err != nil {
			h.fail(w, r, nil, err)
			return
		}
		h.respondJSON(w, http.StatusOK, GenerateFinal{
			Model:      model,
			CreatedAt:  h.createdAt(),
			Response:   final.Text,
			DoneReason: final.DoneReason,
			Done:       true,
			Stats:      statsOf(final),
		})
		return
	}

	out := newNDJSONWriter(w)
	err := h.bridge.Bridge(r.Context(), breq, func(e bridge.Event) error {
		if e.Done {
			return out.send(GenerateFinal{
				Model:      model,
				CreatedAt:  h.createdAt(),
				DoneReason: e.DoneReason,
				Done:       true,
				Stats:      statsOf(e),
			})
		}
		return out.send(GenerateChunk{Model: model, CreatedAt: h.createdAt(), Response: e.Text})
	})
	h.fail(w, r, out, err)
}

// HandleCompletions answers an OpenAI chat completion with the whole reply
// in one object.
func (h *Handlers) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	final, err := h.collect(r.Context(), bridge.Request{
		Model:       req.Model,
		Turns:       turnsOf(req.Messages),
		Shape:       bridge.ShapeBuffered,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		h.fail(w, r, nil, err)
		return
	}
	h.respondJSON(w, http.StatusOK, Completion{
		ID:                "chatcmpl-953",
		Object:            "chat.completion",
		Created:           h.now().Unix(),
		Model:             req.Model,
		SystemFingerprint: "fp_ollama",
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: final.Role, Content: final.Text},
			FinishReason: final.DoneReason,
		}},
	})
}

// collect runs a buffered bridge and returns its terminal event.
func (h *Handlers) collect(ctx context.Context, req bridge.Request) (bridge.Event, error) {
	var final bridge.Event
	err := h.bridge.Bridge(ctx, req, func(e bridge.Event) error {
		if e.Done {
			final = e
		}
		return nil
	})
	return final, err
}

// decode reads, parses and validates a request body, answering the client
// itself when that fails.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readBody(w, r, v); err != nil {
		h.log.Debug("Rejecting request body", zap.String("path", r.URL.Path), zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondWithError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return false
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, errInvalidBody.Error())
		return false
	}
	if err := h.validator.ValidateStruct(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// readBody decodes a JSON body of at most maxBodyBytes. Larger bodies fail
// with *http.MaxBytesError rather than being cut short.
func readBody(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	if mediaType != "application/json" && mediaType != "text/plain" {
		return errors.New("unsupported content type " + mediaType)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// fail reports a bridge error. Before the first line is written it becomes
// an HTTP status; afterwards the only channel left is a trailing error line.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, out *ndjsonWriter, err error) {
	if err == nil {
		return
	}
	status := statusOf(err)
	reqID := middleware.GetReqID(r.Context())
	if r.Context().Err() != nil {
		h.log.Info("Client went away mid-request", zap.String("request_id", reqID), zap.Error(err))
		return
	}
	h.log.Error("Bridge request failed",
		zap.String("request_id", reqID),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))

	if out != nil && out.started {
		if sendErr := out.send(ErrorResponse{Error: err.Error()}); sendErr != nil {
			h.log.Debug("Could not deliver error line", zap.Error(sendErr))
		}
		return
	}
	h.respondWithError(w, status, err.Error())
}

func statusOf(err error) int {
	var (
		reqErr  *bridge.RequestError
		authErr *bridge.AuthError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr), errors.Is(err, bridge.ErrRetriesExhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) modelName(requested string) string {
	m := strings.TrimSuffix(strings.TrimSpace(requested), ":latest")
	if m == "" {
		return h.inference.DefaultModel
	}
	return m
}

func (h *Handlers) createdAt() string {
	return h.now().UTC().Format(createdAtLayout)
}

func (h *Handlers) respondWithError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

func turnsOf(msgs []Message) []bridge.Turn {
	turns := make([]bridge.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = bridge.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

func applyOptions(req *bridge.Request, o *Options) {
	if o == nil {
		return
	}
	req.Temperature = o.Temperature
	req.TopP = o.TopP
}

// splitPrompt turns a generate prompt into conversation turns. An
// "[INST] question [/INST] answer" prompt becomes a user turn and an
// assistant turn; anything else is a single user turn.
func splitPrompt(prompt string) []bridge.Turn {
	const open, end = "[INST]", "[/INST]"
	start := strings.Index(prompt, open)
	if start < 0 {
		return []bridge.Turn{{Role: "user", Content: prompt}}
	}
	rest := prompt[start+len(open):]
	question, answer, closed := strings.Cut(rest, end)
	turns := []bridge.Turn{{Role: "user", Content: strings.TrimSpace(question)}}
	if closed {
		turns = append(turns, bridge.Turn{Role: "assistant", Content: strings.TrimSpace(answer)})
	}
	return turns
}
