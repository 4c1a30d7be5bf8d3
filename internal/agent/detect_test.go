package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultSignatures())
	require.NoError(t, err)
	return d
}

func TestClassify(t *testing.T) {
	d := defaultDetector(t)

	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"clean output", "Created main.go\nAll done.", ""},
		{"quota beats failure", "Error: Status: 429 Too Many Requests", KindQuota},
		{"resource exhausted", "RESOURCE_EXHAUSTED: quota exceeded", KindQuota},
		{"auth", "API key not valid. Please pass a valid API key.", KindAuth},
		{"auth beats failure", "Error: 401 Unauthorized", KindAuth},
		{"quota beats auth", "status: 401 then rate limit reached", KindQuota},
		{"generic failure", "Traceback (most recent call last):", KindFailure},
		{"exit code", "process finished with exit code 2", KindFailure},
		{"exit code zero is fine", "process finished with exit code 0", ""},
		{"escape sequences ignored", "\x1b[31mFAILED\x1b[0m", KindFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Classify(tt.raw))
		})
	}
}

func TestNewDetector_CustomSignatures(t *testing.T) {
	d, err := NewDetector(Signatures{
		Failure:         []string{"BOOM"},
		FailurePatterns: []string{},
	})
	require.NoError(t, err)

	assert.True(t, d.IsFailure("boom goes the build"))
	assert.False(t, d.IsFailure("exit code 3"), "empty pattern list disables patterns")
	assert.True(t, d.IsQuota("rate limit"), "unset lists keep defaults")
}

func TestNewDetector_BadPattern(t *testing.T) {
	_, err := NewDetector(Signatures{FailurePatterns: []string{"("}})
	assert.Error(t, err)
}

func TestMatchingLines(t *testing.T) {
	d := defaultDetector(t)
	lines := d.MatchingLines("compiling\nerror: undefined x\n\nok\npermission denied")
	assert.Equal(t, []string{"error: undefined x", "permission denied"}, lines)
}

func TestExtractQuotaInfo(t *testing.T) {
	raw := `Error: 429 RESOURCE_EXHAUSTED
quota_metric: "generativelanguage.googleapis.com/generate_requests"
quota_value: "60"
Please retry in 37.5s.`
	info := ExtractQuotaInfo(raw)

	assert.Equal(t, "37.5s", info.RetryHint)
	assert.Equal(t, 37500*time.Millisecond, info.RetryAfter)
	assert.Equal(t, "60", info.Limit)
	assert.Equal(t, "generativelanguage.googleapis.com/generate_requests", info.Metric)
}

func TestExtractQuotaInfo_RetryAfterHeader(t *testing.T) {
	info := ExtractQuotaInfo("HTTP 429\nRetry-After: 20")
	assert.Equal(t, 20*time.Second, info.RetryAfter)
}

func TestParseRetryDelay(t *testing.T) {
	tests := map[string]time.Duration{
		"1m2s":       62 * time.Second,
		"30 seconds": 30 * time.Second,
		"2 minutes":  2 * time.Minute,
		"500ms":      500 * time.Millisecond,
		"1 hour":     time.Hour,
		"soon":       0,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseRetryDelay(in), in)
	}
}
