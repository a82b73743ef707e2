package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/browsergate/browsergate/pkg/models"
)

// streamWriter serializes every frame written to one streaming response:
// heartbeat ticks and the final content chunk go through the same mutex,
// so a tick can never interleave with (or trail) the closing frames. Once
// finish has run, further keepalives are dropped; once a write fails the
// socket is treated as dead and everything after is dropped silently —
// the client is gone, the in-flight generate runs to completion and its
// result is discarded.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	mode    string // "comment" or "content"
	id      string
	model   string
	created int64

	finished bool
	dead     bool
}

func newStreamWriter(w http.ResponseWriter, flusher http.Flusher, mode, id, model string) *streamWriter {
	return &streamWriter{
		w:       w,
		flusher: flusher,
		mode:    mode,
		id:      id,
		model:   model,
		created: time.Now().Unix(),
	}
}

// writeHeaders opens the SSE stream. After this the response is committed:
// any later failure must travel inside the stream, not as an HTTP status.
func (sw *streamWriter) writeHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// writeRaw emits one frame under the caller-held lock.
func (sw *streamWriter) writeRaw(frame string) {
	if sw.dead {
		return
	}
	if _, err := fmt.Fprint(sw.w, frame); err != nil {
		sw.dead = true
		return
	}
	sw.flusher.Flush()
}

func (sw *streamWriter) chunkFrame(delta models.StreamDelta, finishReason *string) string {
	chunk := models.StreamChunk{
		ID:      sw.id,
		Object:  "chat.completion.chunk",
		Created: sw.created,
		Model:   sw.model,
		Choices: []models.StreamChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

// keepalive emits one heartbeat frame: a comment line in comment mode, an
// empty-delta data chunk in content mode. No-op after finish.
func (sw *streamWriter) keepalive() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.finished {
		return
	}
	switch sw.mode {
	case "content":
		sw.writeRaw(sw.chunkFrame(models.StreamDelta{Content: ""}, nil))
	default:
		sw.writeRaw(": keepalive\n\n")
	}
}

// finish writes the single content chunk immediately followed by
// "data: [DONE]" and marks the stream complete. Exactly-once: a second
// call is a no-op.
func (sw *streamWriter) finish(content string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.finished {
		return
	}
	sw.finished = true

	stop := "stop"
	sw.writeRaw(sw.chunkFrame(models.StreamDelta{Role: "assistant", Content: content}, &stop))
	sw.writeRaw("data: [DONE]\n\n")
}
