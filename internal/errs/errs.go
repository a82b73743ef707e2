// Package errs implements the closed error taxonomy and retry classifier
// shared by every adapter and by the pool's own exception boundary
//.
//
// Structured call sites should build a models.ErrorRecord directly; this
// package exists for the one place that can't — an exception escaping an
// adapter boundary, where all we have is a free-form message.
package errs

import (
	"regexp"
	"strconv"

	"github.com/browsergate/browsergate/pkg/models"
)

// classifyRule is one entry in the ordered match table. Rules are tried in
// order; the first match wins, which is why TIMEOUT/CRASH/CLOSED precede
// the generic NETWORK bucket.
type classifyRule struct {
	pattern   *regexp.Regexp
	kind      models.ErrorKind
	retryable bool
}

var httpStatusRe = regexp.MustCompile(`(?i)\bstatus[: ]+(\d{3})\b`)
var rules = []classifyRule{
	{regexp.MustCompile(`(?i)page.*closed|closed.*page`), models.ErrPageClosed, true},
	{regexp.MustCompile(`(?i)crash`), models.ErrPageCrashed, true},
	{regexp.MustCompile(`(?i)invalid.*page|page.*invalid|detached frame`), models.ErrPageInvalid, true},
	{regexp.MustCompile(`(?i)timeout|timed out`), models.ErrTimeout, true},
	{regexp.MustCompile(`(?i)recaptcha validation failed`), models.ErrCaptchaRequired, false},
	{regexp.MustCompile(`(?i)too many requests|rate.?limit`), models.ErrRateLimited, true},
}

// Classify turns a free-form error message into a normalized ErrorRecord.
// Used wherever a raw exception crosses a Worker/Pool/Adapter boundary.
func Classify(msg string) *models.ErrorRecord {
	for _, r := range rules {
		if r.pattern.MatchString(msg) {
			return &models.ErrorRecord{Error: msg, Code: r.kind, Retryable: r.retryable}
		}
	}

	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return ClassifyHTTPStatus(code, msg)
		}
	}

	return &models.ErrorRecord{Error: msg, Code: models.ErrNetwork, Retryable: true}
}

// ClassifyHTTPStatus maps an upstream HTTP status code directly onto the
// taxonomy. Adapters with a structured failure point (an
// actual status code in hand) should call this instead of round-tripping
// through a formatted message and Classify.
func ClassifyHTTPStatus(status int, msg string) *models.ErrorRecord {
	switch {
	case status == 429:
		return &models.ErrorRecord{Error: msg, Code: models.ErrRateLimited, Retryable: true}
	case status >= 500:
		return &models.ErrorRecord{Error: msg, Code: models.ErrHTTP, Retryable: true}
	case status >= 400:
		return &models.ErrorRecord{Error: msg, Code: models.ErrHTTP, Retryable: false}
	default:
		return &models.ErrorRecord{Error: msg, Code: models.ErrNetwork, Retryable: true}
	}
}

// ContentBlocked builds the non-retryable record for an adapter-detected
// keyword hit in an errorText set.
func ContentBlocked(keyword string) *models.ErrorRecord {
	return &models.ErrorRecord{Error: "content blocked: " + keyword, Code: models.ErrContentBlocked, Retryable: false}
}

// FromRecovered normalizes a value recovered from a panic at a pool/worker
// boundary. The pool's failover depends on every boundary crossing holding
// this contract — an adapter that panics must still look like a classified
// error record to the scheduler, never an unhandled crash. Error and string
// values go through Classify (so their retryability follows the rule
// table); any other value becomes a retryable INTERNAL_ERROR.
func FromRecovered(v interface{}) *models.ErrorRecord {
	switch e := v.(type) {
	case error:
		return Classify(e.Error())
	case string:
		return Classify(e)
	default:
		return &models.ErrorRecord{Error: "panic in adapter", Code: models.ErrInternal, Retryable: true}
	}
}
