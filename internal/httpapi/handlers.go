// Package httpapi implements the OpenAI-compatible HTTP facade: the chi
// router, bearer auth, SSE framing with heartbeat keep-alive, the
// safe-mode gate, and the error-envelope mapping from the internal
// taxonomy onto HTTP statuses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/browsergate/browsergate/internal/config"
	"github.com/browsergate/browsergate/internal/parser"
	"github.com/browsergate/browsergate/internal/pool"
	"github.com/browsergate/browsergate/internal/queue"
	"github.com/browsergate/browsergate/internal/worker"
	"github.com/browsergate/browsergate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Server wires the parser, queue, and pool behind the /v1 surface. The
// queue is owned here: its ProcessFunc is the per-task pipeline, and its
// idle hook drives the pool's monitor navigation.
type Server struct {
	cfg  *config.Config
	pool *pool.Pool
	q    *queue.Queue
}

// New builds a Server over p. MaxConcurrent is the pool's worker count.
func New(cfg *config.Config, p *pool.Pool) *Server {
	s := &Server{cfg: cfg, pool: p}
	s.q = queue.New(
		queue.Config{MaxConcurrent: p.WorkerCount(), QueueBuffer: cfg.Queue.QueueBuffer},
		s.processTask,
		func() { p.NavigateToMonitor(context.Background()) },
	)
	return s
}

// Queue exposes the admission queue, for tests asserting the counters.
func (s *Server) Queue() *queue.Queue { return s.q }

// taskPayload carries one request through the queue: the parsed body plus
// the live response writer the final frames go to. For streaming tasks the
// stream and its heartbeat are already running when the payload is built —
// a queued client must see keepalives while it waits for a worker, not
// only once its task is dispatched.
type taskPayload struct {
	parsed *parser.Parsed
	w      http.ResponseWriter
	ctx    context.Context

	stream    *streamWriter
	heartbeat *queue.Heartbeat
}

// HandleModels serves GET /v1/models.
func (s *Server) HandleModels(w http.ResponseWriter, r *http.Request) {
	list := s.pool.GetModels()
	now := time.Now().Unix()
	for i := range list {
		if list[i].Created == 0 {
			list[i].Created = now
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   list,
	})
}

// HandleWorkerLogs serves GET /v1/workers/{name}/logs?n=<count>: the
// named Worker's retained log tail, oldest first.
func (s *Server) HandleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	entries, err := s.pool.WorkerLogs(name, n)
	if err != nil {
		respondError(w, http.StatusNotFound, "WORKER_NOT_FOUND", err.Error())
		return
	}
	if entries == nil {
		entries = []worker.LogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"worker": name,
		"logs":   entries,
	})
}

// HandleCookies serves GET /v1/cookies?name=<instance>&domain=<domain>.
func (s *Server) HandleCookies(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("name")
	domain := r.URL.Query().Get("domain")

	cookies, err := s.pool.GetCookies(r.Context(), instance, domain)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INSTANCE", err.Error())
		return
	}
	if cookies == nil {
		cookies = []models.Cookie{}
	}
	respondJSON(w, http.StatusOK, models.CookieResponse{Instance: instance, Cookies: cookies})
}

// HandleChatCompletions serves POST /v1/chat/completions: parse, admit,
// then block until the queue's ProcessFunc has written the response.
func (s *Server) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	parsed, err := parser.Parse(r.Body, parser.Config{
		ImageLimit: s.cfg.Queue.ImageLimit,
		TempDir:    s.cfg.Queue.TempDir,
	}, s.pool)
	if err != nil {
		var perr *parser.ParseError
		if errors.As(err, &perr) {
			respondError(w, perr.Status, perr.Code, perr.Message)
			return
		}
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	// The adapter call must survive a client disconnect (browser
	// automation is not safely interruptible mid-step), so the task runs
	// on a context detached from the request's cancellation.
	payload := &taskPayload{
		parsed: parsed,
		w:      w,
		ctx:    context.WithoutCancel(r.Context()),
	}
	t := &queue.Task{
		ID:        "chatcmpl-" + uuid.NewString(),
		Streaming: parsed.Streaming,
		Payload:   payload,
	}

	if parsed.Streaming {
		flusher, ok := w.(http.Flusher)
		if !ok {
			parser.Cleanup(parsed)
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported by this connection")
			return
		}
		// Streaming tasks are always admitted, so the stream can commit
		// before Submit. Heartbeats start now: a client deep in the queue
		// stays alive through them until its task reaches a worker.
		payload.stream = newStreamWriter(w, flusher, s.cfg.Server.Keepalive.Mode, t.ID, parsed.ModelName)
		payload.stream.writeHeaders()
		payload.heartbeat = queue.NewHeartbeat()
		payload.heartbeat.Start(payload.stream.keepalive)
	}

	if err := s.q.Submit(r.Context(), t); err != nil {
		if payload.heartbeat != nil {
			payload.heartbeat.Stop()
		}
		parser.Cleanup(parsed)
		respondError(w, http.StatusServiceUnavailable, "SERVER_BUSY", err.Error())
		return
	}

	<-t.Done
}

// processTask is the queue's ProcessFunc: dispatch through the pool,
// translate the result, and emit exactly one response. Temp-file cleanup
// and the heartbeat stop sit in guaranteed-release scopes; the stream
// itself was opened at admission time by the handler.
func (s *Server) processTask(_ context.Context, t *queue.Task) {
	p := t.Payload.(*taskPayload)
	defer parser.Cleanup(p.parsed)
	if p.heartbeat != nil {
		defer p.heartbeat.Stop()
	}

	result := s.pool.Dispatch(p.ctx, p.parsed.Prompt, p.parsed.ImageRefs, p.parsed.ModelKey, map[string]interface{}{"id": t.ID})

	if !t.Streaming {
		respondJSON(p.w, http.StatusOK, completionResponse(t.ID, p.parsed.ModelName, renderContent(result)))
		return
	}

	p.heartbeat.Stop()
	p.stream.finish(renderContent(result))
}

// renderContent translates an adapter result into the single content
// string both transports share. A post-dispatch error
// rides inside the content rather than an HTTP status — the stream has
// already committed its headers, and the non-streaming path mirrors it so
// both use one rendering.
func renderContent(result models.GenerateResult) string {
	switch {
	case result.Err != nil:
		log.Warn().Str("code", string(result.Err.Code)).Str("error", result.Err.Error).Msg("generate failed")
		return "[生成错误] " + result.Err.Error
	case result.Image != nil:
		return "![generated](" + *result.Image + ")"
	case result.Text != nil:
		return *result.Text
	default:
		return ""
	}
}

func completionResponse(id, model, content string) models.ChatCompletionResponse {
	return models.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.ResponseMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, models.ErrorEnvelope{Error: models.ErrorEnvelopeBody{Code: code, Message: message}})
}
