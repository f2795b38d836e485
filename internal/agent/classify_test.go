package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassUnknown},
		{"cloudflare 521 html", errors.New(cloudflare521), ClassTransientHTTP},
		{"http prefix", errors.New("HTTP 502: upstream"), ClassTransientHTTP},
		{"status kv", errors.New("request failed, status: 503"), ClassTransientHTTP},
		{"bad gateway text", errors.New("proxy said Bad Gateway"), ClassTransientHTTP},
		{"typed 500", &providers.HTTPError{Status: 500, Body: "oops"}, ClassTransientHTTP},
		{"typed 429 is not transient", &providers.HTTPError{Status: 429, Body: "slow down"}, ClassUnknown},
		{"number mid-text is not a status", errors.New("model id 5210 not found"), ClassUnknown},
		{"context overflow", errors.New("This model's maximum context length is 128000 tokens"), ClassContextOverflow},
		{"prompt too long", errors.New("400: prompt is too long: 210000 tokens > 200000 maximum"), ClassContextOverflow},
		{"compaction beats overflow", errors.New("compaction failed: context length exceeded"), ClassCompactionFailure},
		{"role ordering", errors.New("messages: roles must alternate between \"user\" and \"assistant\""), ClassRoleOrdering},
		{"gemini corruption", errors.New("Please ensure that function call turn comes immediately after a user turn"), ClassSessionCorruption},
		{"anthropic corruption", errors.New("tool_use ids were found without tool_result blocks"), ClassSessionCorruption},
		{"corrupt transcript", fmt.Errorf("load: %w", store.ErrCorruptTranscript), ClassSessionCorruption},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), ClassAborted},
		{"unknown", errors.New("invalid api key"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestSanitizeErrorText(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		want     string
		excludes string
	}{
		{"html title", cloudflare521, "521 Web server is down", "<"},
		{"tags stripped", "oops <b>bold</b> text", "oops bold text", "<b>"},
		{"api key masked", "bad key sk-proj1234567890", "bad key sk-***", "1234567890"},
		{"bearer masked", "Authorization: Bearer abcdefghijkl", "Authorization: Bearer ***", "abcdefghijkl"},
		{"empty", "   ", "unknown error", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeErrorText(tc.in)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
			if tc.excludes != "" && strings.Contains(got, tc.excludes) {
				t.Errorf("%q should not contain %q", got, tc.excludes)
			}
		})
	}

	long := strings.Repeat("x", 500)
	if got := SanitizeErrorText(long); len([]rune(got)) > maxUserErrorCells {
		t.Errorf("long text not truncated: %d runes", len([]rune(got)))
	}
}
