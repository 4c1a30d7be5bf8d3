package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/taskrun/internal/buffer"
	"github.com/joescharf/taskrun/internal/models"
)

// Signatures are the case-insensitive markers used to classify agent output.
// They are heuristics; every list can be replaced through configuration.
type Signatures struct {
	Quota           []string
	Auth            []string
	Failure         []string
	FailurePatterns []string // regular expressions, matched case-insensitively
}

// DefaultSignatures returns the built-in marker lists.
func DefaultSignatures() Signatures {
	return Signatures{
		Quota: []string{
			"status: 429",
			"status 429",
			"code: 429",
			`"code": 429`,
			"http 429",
			"error 429",
			"429 too many requests",
			"too many requests",
			"resource_exhausted",
			"quota",
			"rate limit",
			"rate-limit",
			"ratelimit",
		},
		Auth: []string{
			"authentication_error",
			"unauthenticated",
			"api key not valid",
			"api_key_invalid",
			"invalid api key",
			"invalid_api_key",
			"invalid x-api-key",
			"invalid authentication",
			"invalid credentials",
			"invalid token",
			"401 unauthorized",
			"status: 401",
		},
		Failure: []string{
			"error",
			"failed",
			"exception",
			"traceback",
			"command not found",
			"permission denied",
		},
		FailurePatterns: []string{
			`exit code:?\s*[1-9][0-9]*`,
			`exit status\s+[1-9][0-9]*`,
		},
	}
}

// Detector classifies agent output. Build it once; it is safe for concurrent use.
type Detector struct {
	quota    []string
	auth     []string
	failure  []string
	patterns []*regexp.Regexp
}

// NewDetector compiles sig. Empty lists fall back to the defaults.
func NewDetector(sig Signatures) (*Detector, error) {
	def := DefaultSignatures()
	if len(sig.Quota) == 0 {
		sig.Quota = def.Quota
	}
	if len(sig.Auth) == 0 {
		sig.Auth = def.Auth
	}
	if len(sig.Failure) == 0 {
		sig.Failure = def.Failure
	}
	if sig.FailurePatterns == nil {
		sig.FailurePatterns = def.FailurePatterns
	}

	d := &Detector{
		quota:   lowerAll(sig.Quota),
		auth:    lowerAll(sig.Auth),
		failure: lowerAll(sig.Failure),
	}
	for _, p := range sig.FailurePatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalize case-folds raw output and strips escape and control sequences.
func normalize(raw string) string {
	return strings.ToLower(buffer.StripControl(raw))
}

// IsQuota reports whether raw carries a rate-limit or quota signature.
func (d *Detector) IsQuota(raw string) bool {
	return containsAny(normalize(raw), d.quota)
}

// IsAuth reports whether raw carries an authentication failure signature.
func (d *Detector) IsAuth(raw string) bool {
	return containsAny(normalize(raw), d.auth)
}

// IsFailure reports whether raw carries a generic failure signature.
func (d *Detector) IsFailure(raw string) bool {
	text := normalize(raw)
	if containsAny(text, d.failure) {
		return true
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify returns the most specific failure kind for raw, or "" when the
// output carries no failure signature. Quota wins over auth, auth over failure.
func (d *Detector) Classify(raw string) Kind {
	switch {
	case d.IsQuota(raw):
		return KindQuota
	case d.IsAuth(raw):
		return KindAuth
	case d.IsFailure(raw):
		return KindFailure
	}
	return ""
}

// MatchingLines returns the lines of text that carry any signature.
func (d *Detector) MatchingLines(text string) []string {
	var out []string
	for line := range strings.SplitSeq(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if d.IsQuota(line) || d.IsAuth(line) || d.IsFailure(line) {
			out = append(out, line)
		}
	}
	return out
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var (
	retryInRe     = regexp.MustCompile(`(?i)retry(?:ing)?\s+(?:in|after)\s+([0-9]+(?:\.[0-9]+)?\s*(?:ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hours?)\b|[0-9hms.]+)`)
	retryDelayRe  = regexp.MustCompile(`(?i)"?retry_?delay"?\s*[:=]\s*"?([0-9]+(?:\.[0-9]+)?s)"?`)
	retryAfterRe  = regexp.MustCompile(`(?i)retry-after:\s*([0-9]+)`)
	quotaValueRe  = regexp.MustCompile(`(?i)"?quota_?value"?\s*[:=]\s*"?([0-9]+)"?`)
	limitRe       = regexp.MustCompile(`(?i)\blimit:\s*([0-9]+)`)
	quotaMetricRe = regexp.MustCompile(`(?i)"?quota_?metric"?\s*[:=]\s*"?([A-Za-z0-9_./-]+)"?`)
	quotaIDRe     = regexp.MustCompile(`(?i)quota exceeded for metric:?\s*'?([A-Za-z0-9_./-]+)`)
	numberUnitRe  = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)$`)
)

// ExtractQuotaInfo pulls retry-delay, limit and metric hints out of a quota failure.
func ExtractQuotaInfo(raw string) *models.QuotaInfo {
	text := buffer.StripControl(raw)
	info := &models.QuotaInfo{}

	for _, re := range []*regexp.Regexp{retryDelayRe, retryInRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			info.RetryHint = strings.TrimSpace(m[1])
			info.RetryAfter = parseRetryDelay(info.RetryHint)
			break
		}
	}
	if info.RetryHint == "" {
		if m := retryAfterRe.FindStringSubmatch(text); m != nil {
			info.RetryHint = m[1] + "s"
			info.RetryAfter = parseRetryDelay(info.RetryHint)
		}
	}

	for _, re := range []*regexp.Regexp{quotaValueRe, limitRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			info.Limit = m[1]
			break
		}
	}
	for _, re := range []*regexp.Regexp{quotaMetricRe, quotaIDRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			info.Metric = strings.TrimRight(m[1], ".,")
			break
		}
	}
	return info
}

// parseRetryDelay understands Go durations ("1m2s", "37.5s") and
// "<n> <unit>" phrases ("30 seconds"). Unknown input yields 0.
func parseRetryDelay(s string) time.Duration {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	m := numberUnitRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	var unit time.Duration
	switch {
	case m[2] == "" || strings.HasPrefix(m[2], "s"):
		unit = time.Second
	case m[2] == "ms" || strings.HasPrefix(m[2], "milli"):
		unit = time.Millisecond
	case strings.HasPrefix(m[2], "m"):
		unit = time.Minute
	case strings.HasPrefix(m[2], "h"):
		unit = time.Hour
	default:
		return 0
	}
	return time.Duration(n * float64(unit))
}
