package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/browsergate/browsergate/internal/config"
	"github.com/browsergate/browsergate/internal/page"
	"github.com/browsergate/browsergate/internal/pool"
	"github.com/browsergate/browsergate/internal/registry"
	"github.com/browsergate/browsergate/internal/worker"
	"github.com/browsergate/browsergate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adapterDef struct {
	id     string
	policy models.ImagePolicy
	gen    registry.GenerateFunc
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, Keepalive: config.KeepaliveConfig{Mode: "comment"}},
		Queue:  config.QueueConfig{QueueBuffer: 0, ImageLimit: 4},
	}
}

// newTestServer builds one worker per adapter over fake pages and serves
// the full router on a real listener, so SSE flushing behaves as in
// production.
func newTestServer(t *testing.T, cfg *config.Config, adapters ...adapterDef) (*httptest.Server, *pool.Pool) {
	t.Helper()
	if cfg.Queue.TempDir == "" {
		cfg.Queue.TempDir = t.TempDir()
	}

	reg := registry.New()
	var workers []*worker.Worker
	for _, a := range adapters {
		require.NoError(t, reg.Register(&registry.Manifest{
			ID:        a.id,
			TargetURL: func(string, string) string { return "https://example.test/" },
			Models:    []models.ModelDescriptor{{ID: "m", ImagePolicy: a.policy}},
			Generate:  a.gen,
		}))
		workers = append(workers, worker.New(worker.Config{Name: "w-" + a.id, Type: a.id, InstanceName: "inst-" + a.id}, page.NewFakePage(""), reg))
	}

	p := pool.New(workers, pool.Options{Strategy: models.StrategyLeastBusy, FailoverEnabled: true, MaxRetries: 2})
	p.SetReady(nil)

	ts := httptest.NewServer(NewRouter(New(cfg, p)))
	t.Cleanup(ts.Close)
	return ts, p
}

func textAdapter(id, text string) adapterDef {
	return adapterDef{id: id, policy: models.ImageOptional, gen: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
		return models.GenerateResult{Text: &text}
	}}
}

func postChat(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) models.ErrorEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env models.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestChatCompletions_SingleWorkerSuccess(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), textAdapter("alpha", "hi"))

	resp := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hi", out.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
}

func TestChatCompletions_ImageRequiredViolation(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), adapterDef{
		id:     "alpha",
		policy: models.ImageRequired,
		gen: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
			return models.GenerateResult{}
		},
	})

	resp := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"no image here"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "IMAGE_REQUIRED", decodeEnvelope(t, resp).Error.Code)
}

func TestChatCompletions_InvalidModel(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), textAdapter("alpha", "hi"))

	resp := postChat(t, ts, `{"model":"nope","messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_MODEL", decodeEnvelope(t, resp).Error.Code)
}

func TestChatCompletions_AdapterErrorFoldedIntoContent(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), adapterDef{
		id:     "alpha",
		policy: models.ImageOptional,
		gen: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
			return models.GenerateResult{Err: &models.ErrorRecord{Error: "forbidden content", Code: models.ErrContentBlocked, Retryable: false}}
		},
	})

	resp := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "[生成错误] forbidden content", out.Choices[0].Message.Content)
}

// readSSE collects SSE lines until the done sentinel or deadline.
func readSSE(t *testing.T, resp *http.Response, deadline time.Duration) []string {
	t.Helper()
	defer resp.Body.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\n")
			}
			if err != nil {
				return
			}
		}
	}()

	var out []string
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, line)
			if line == "data: [DONE]" {
				return out
			}
		case <-timer.C:
			t.Fatalf("SSE stream did not complete within %v; got %d lines", deadline, len(out))
		}
	}
}

func TestChatCompletions_StreamingFraming(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), textAdapter("alpha", "hi"))

	resp := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"hello"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := readSSE(t, resp, 10*time.Second)

	var data []string
	for _, l := range lines {
		if strings.HasPrefix(l, "data: ") {
			data = append(data, l)
		}
	}
	require.GreaterOrEqual(t, len(data), 2)
	assert.Equal(t, "data: [DONE]", data[len(data)-1])

	var chunk models.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data[len(data)-2], "data: ")), &chunk))
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
}

func TestChatCompletions_QueueFullAndStreamingKeepalive(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real heartbeat tick")
	}

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	done := "done"
	blocking := adapterDef{
		id:     "alpha",
		policy: models.ImageOptional,
		gen: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
			started <- struct{}{}
			<-release
			return models.GenerateResult{Text: &done}
		},
	}
	ts, _ := newTestServer(t, testConfig(), blocking)

	// First task occupies the only worker.
	first := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"one"}],"stream":true}`)
	require.Equal(t, http.StatusOK, first.StatusCode)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never reached the adapter")
	}

	// Non-streaming admission has no room: MaxConcurrent=1, buffer=0.
	busy := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"two"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, busy.StatusCode)
	assert.Equal(t, "SERVER_BUSY", decodeEnvelope(t, busy).Error.Code)

	// A streaming task is still admitted, and its socket stays warm on
	// keepalives while it waits in the queue.
	third := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"three"}],"stream":true}`)
	require.Equal(t, http.StatusOK, third.StatusCode)

	thirdLines := make(chan string, 64)
	go func() {
		r := bufio.NewReader(third.Body)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				thirdLines <- strings.TrimRight(line, "\n")
			}
			if err != nil {
				close(thirdLines)
				return
			}
		}
	}()

	sawKeepalive := false
	deadline := time.After(10 * time.Second)
	for !sawKeepalive {
		select {
		case line := <-thirdLines:
			if line == ": keepalive" {
				sawKeepalive = true
			}
		case <-deadline:
			t.Fatal("queued streaming task saw no keepalive")
		}
	}

	close(release)

	firstLines := readSSE(t, first, 10*time.Second)
	assert.Equal(t, "data: [DONE]", firstLines[len(firstLines)-1])

	// Drain the third stream to its [DONE].
	sawDone := false
	deadline = time.After(10 * time.Second)
	for !sawDone {
		select {
		case line, ok := <-thirdLines:
			if !ok {
				t.Fatal("third stream closed before [DONE]")
			}
			if line == "data: [DONE]" {
				sawDone = true
			}
		case <-deadline:
			t.Fatal("third stream never finished")
		}
	}
	third.Body.Close()
}

func TestModels_ListShape(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), textAdapter("alpha", "hi"))

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string               `json:"object"`
		Data   []models.PublicModel `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "m", out.Data[0].ID)
	assert.Equal(t, "alpha", out.Data[0].OwnedBy)
	assert.Equal(t, models.ImageOptional, out.Data[0].ImagePolicy)
	assert.NotZero(t, out.Data[0].Created)
}

func TestBearerAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth = "secret-token"
	ts, _ := newTestServer(t, cfg, textAdapter("alpha", "hi"))

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", decodeEnvelope(t, resp).Error.Code)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A bare token without the Bearer scheme is not accepted.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerLogs_Endpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), adapterDef{
		id:     "alpha",
		policy: models.ImageOptional,
		gen: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
			return models.GenerateResult{Err: &models.ErrorRecord{Error: "upstream 502", Code: models.ErrHTTP, Retryable: false}}
		},
	})

	// One failed completion leaves an error line in the worker's tail.
	resp := postChat(t, ts, `{"model":"m","messages":[{"role":"user","content":"hello"}]}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/v1/workers/w-alpha/logs?n=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Worker string            `json:"worker"`
		Logs   []worker.LogEntry `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "w-alpha", out.Worker)
	require.NotEmpty(t, out.Logs)
	last := out.Logs[len(out.Logs)-1]
	assert.Equal(t, "error", last.Level)
	assert.Equal(t, "upstream 502", last.Line)

	resp, err = http.Get(ts.URL + "/v1/workers/nope/logs")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "WORKER_NOT_FOUND", decodeEnvelope(t, resp).Error.Code)
}

func TestSafeMode_GatesV1NotHealth(t *testing.T) {
	ts, p := newTestServer(t, testConfig(), textAdapter("alpha", "hi"))
	p.SetReady(assertErr("browser launch failed"))

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Error.Code)
	assert.Contains(t, env.Error.Message, "browser launch failed")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCookies_DelegatesToInstance(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.TempDir = t.TempDir()

	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Manifest{
		ID:     "alpha",
		Models: []models.ModelDescriptor{{ID: "m", ImagePolicy: models.ImageOptional}},
		Generate: func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx registry.GenerateContext) models.GenerateResult {
			return models.GenerateResult{}
		},
	}))
	pg := page.NewFakePage("")
	pg.SetCookies([]models.Cookie{{Name: "session", Value: "abc", Domain: "example.test"}})
	w := worker.New(worker.Config{Name: "w1", Type: "alpha", InstanceName: "inst1"}, pg, reg)

	p := pool.New([]*worker.Worker{w}, pool.Options{Strategy: models.StrategyLeastBusy, FailoverEnabled: true})
	p.SetReady(nil)
	ts := httptest.NewServer(NewRouter(New(cfg, p)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/cookies?name=inst1&domain=example.test")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.CookieResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "inst1", out.Instance)
	require.Len(t, out.Cookies, 1)
	assert.Equal(t, "session", out.Cookies[0].Name)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
