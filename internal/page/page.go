// Package page defines the page-interaction contract:
// the surface a browser-automation layer must expose and the surface every
// adapter's generate function is allowed to suspend on. Nothing in this
// package drives an actual browser — that lives outside this repo's scope;
// this package only fixes the interfaces and the fake used by tests.
package page

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/browsergate/browsergate/pkg/models"
)

// Response is the proxy response object returned by WaitForAPIResponse. It
// caches its body so an adapter may re-read Text/JSON/Body cheaply.
type Response interface {
	Status() int
	Text(ctx context.Context) (string, error)
	JSON(ctx context.Context, v interface{}) error
	Body(ctx context.Context) ([]byte, error)
}

// WaitOptions parametrizes WaitForAPIResponse.
type WaitOptions struct {
	URLMatch    string
	URLContains []string
	Method      string
	Timeout     time.Duration
	ErrorText   []string
}

// AuthLock is the per-page auth lock primitive. It is
// page-local — never a process-global singleton, since several pages exist
// concurrently.
type AuthLock interface {
	Lock()
	Unlock()
	IsLocked() bool
	// WaitUntilUnlocked blocks until the lock clears or ctx is done. The
	// poll interval is a fallback only; an implementation backed by a
	// broadcast channel may resolve immediately on unlock.
	WaitUntilUnlocked(ctx context.Context) error
}

// NavigationHandler is observed on every frame navigation. Handlers must be
// idempotent and cooperate through the page's AuthLock.
type NavigationHandler interface {
	HandleNavigation(ctx context.Context, pg Page, url string) error
}

// NavigationHandlerFunc adapts a plain function to NavigationHandler.
type NavigationHandlerFunc func(ctx context.Context, pg Page, url string) error

func (f NavigationHandlerFunc) HandleNavigation(ctx context.Context, pg Page, url string) error {
	return f(ctx, pg, url)
}

// ReadinessProbe waits for input readiness, optionally clicking a target.
// Implementations must wait for the AuthLock to clear before probing.
type ReadinessProbe interface {
	Probe(ctx context.Context, pg Page) error
}

// ReadinessProbeFunc adapts a plain function to ReadinessProbe.
type ReadinessProbeFunc func(ctx context.Context, pg Page) error

func (f ReadinessProbeFunc) Probe(ctx context.Context, pg Page) error { return f(ctx, pg) }

// Page is the browser-page handle an adapter's generate function is given
// through a registry.GenerateContext. The core never embeds site-specific
// selectors against it; adapters compose these primitives.
type Page interface {
	// NavigateWithCheck loads url under a domcontentloaded condition with
	// the given timeout; a response status >= 400 is a fatal adapter error.
	NavigateWithCheck(ctx context.Context, url string, timeout time.Duration) error

	// WaitForAPIResponse resolves with the first matching response, or
	// rejects with a normalized PAGE_CLOSED/PAGE_CRASHED/API_TIMEOUT/
	// *_ERROR_DETECTED error.
	WaitForAPIResponse(ctx context.Context, opts WaitOptions) (Response, error)

	// AuthLock returns this page's auth lock.
	AuthLock() AuthLock

	// MoveMouseAway jumps the cursor to a safe off-content region in a
	// bounded random band. Called from every adapter's finally block.
	MoveMouseAway(ctx context.Context)

	// Cookies returns the browser-context cookies visible to this page,
	// optionally filtered to domain.
	Cookies(ctx context.Context, domain string) ([]models.Cookie, error)

	// URL returns the page's current location, for idempotency checks
	// such as navigateToMonitor's "if not already there".
	URL() string

	// Close tears down the page. Called on worker shutdown only.
	Close() error
}

// ── Sentinel / formatted errors the waiter and navigator produce ──────────

var (
	ErrPageClosed  = errors.New("page has been closed")
	ErrPageCrashed = errors.New("page crashed")
)

func ErrAPITimeout(urlMatch string) error {
	return fmt.Errorf("API_TIMEOUT: waiting for response matching %q", urlMatch)
}

func ErrPageErrorDetected(keyword string) error {
	return fmt.Errorf("PAGE_ERROR_DETECTED:%s", keyword)
}

func ErrAPIErrorDetected(keyword string) error {
	return fmt.Errorf("API_ERROR_DETECTED:%s", keyword)
}

// ── Fake implementation ────────────────────────────────────────────────────

// FakePage is an in-memory Page used by worker/pool/adapter tests. It never
// touches a real browser; scripted responses and a simulated lifecycle are
// set directly on the struct.
type FakePage struct {
	mu sync.Mutex

	url      string
	closed   bool
	crashed  bool
	lock     *fakeAuthLock
	cookies  []models.Cookie
	Response Response // scripted response WaitForAPIResponse returns
	WaitErr  error    // scripted error WaitForAPIResponse returns instead

	NavigateErr error
	MoveCalls   int
}

// NewFakePage returns a ready FakePage starting at url.
func NewFakePage(url string) *FakePage {
	return &FakePage{url: url, lock: &fakeAuthLock{}}
}

func (p *FakePage) NavigateWithCheck(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.url = url
	return nil
}

func (p *FakePage) WaitForAPIResponse(ctx context.Context, opts WaitOptions) (Response, error) {
	p.mu.Lock()
	closed, crashed := p.closed, p.crashed
	resp, waitErr := p.Response, p.WaitErr
	p.mu.Unlock()

	if closed {
		return nil, ErrPageClosed
	}
	if crashed {
		return nil, ErrPageCrashed
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if resp == nil {
		return nil, ErrAPITimeout(opts.URLMatch)
	}
	if len(opts.ErrorText) > 0 {
		body, _ := resp.Text(ctx)
		for _, kw := range opts.ErrorText {
			if strings.Contains(strings.ToLower(body), strings.ToLower(kw)) {
				return nil, ErrAPIErrorDetected(kw)
			}
		}
	}
	return resp, nil
}

func (p *FakePage) AuthLock() AuthLock { return p.lock }

func (p *FakePage) MoveMouseAway(ctx context.Context) {
	p.mu.Lock()
	p.MoveCalls++
	p.mu.Unlock()
}

func (p *FakePage) Cookies(ctx context.Context, domain string) ([]models.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if domain == "" {
		return p.cookies, nil
	}
	var out []models.Cookie
	for _, c := range p.cookies {
		if c.Domain == domain {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetCookies seeds the fake's cookie jar, for tests exercising /v1/cookies.
func (p *FakePage) SetCookies(cookies []models.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = cookies
}

// SetClosed / SetCrashed simulate the page dying mid-operation.
func (p *FakePage) SetClosed(v bool)  { p.mu.Lock(); p.closed = v; p.mu.Unlock() }
func (p *FakePage) SetCrashed(v bool) { p.mu.Lock(); p.crashed = v; p.mu.Unlock() }

type fakeAuthLock struct {
	mu     sync.Mutex
	locked bool
}

func (l *fakeAuthLock) Lock() { l.mu.Lock(); l.locked = true; l.mu.Unlock() }

func (l *fakeAuthLock) Unlock() { l.mu.Lock(); l.locked = false; l.mu.Unlock() }

func (l *fakeAuthLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *fakeAuthLock) WaitUntilUnlocked(ctx context.Context) error {
	for l.IsLocked() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(500+rand.Intn(500)) * time.Millisecond):
		}
	}
	return nil
}

// FakeResponse is a scripted Response for tests.
type FakeResponse struct {
	StatusCode int
	BodyText   string
}

func (r *FakeResponse) Status() int { return r.StatusCode }

func (r *FakeResponse) Text(ctx context.Context) (string, error) { return r.BodyText, nil }

func (r *FakeResponse) JSON(ctx context.Context, v interface{}) error {
	return errors.New("FakeResponse.JSON not implemented")
}

func (r *FakeResponse) Body(ctx context.Context) ([]byte, error) { return []byte(r.BodyText), nil }
