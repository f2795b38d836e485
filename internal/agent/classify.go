package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// ErrorClass is the recovery category of a backend failure.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassContextOverflow
	ClassCompactionFailure
	ClassSessionCorruption
	ClassRoleOrdering
	ClassTransientHTTP
	ClassAborted
)

func (c ErrorClass) String() string {
	switch c {
	case ClassContextOverflow:
		return "context_overflow"
	case ClassCompactionFailure:
		return "compaction_failure"
	case ClassSessionCorruption:
		return "session_corruption"
	case ClassRoleOrdering:
		return "role_ordering"
	case ClassTransientHTTP:
		return "transient_http"
	case ClassAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Pattern tables, checked in this order. Compaction failures often quote
// the overflow that triggered them, so they go first.
var (
	compactionFailurePatterns = []string{
		"compaction failed",
		"compaction_failure",
		"auto-compaction",
		"summarization failed",
		"failed to summarize",
	}

	sessionCorruptionPatterns = []string{
		"function call turn comes immediately after",
		"tool_use ids were found without tool_result",
		"unexpected tool_use_id",
		"tool_result block(s) provided when previous message",
		"must be a response to a preceeding message with 'tool_calls'",
		"must be a response to a preceding message with 'tool_calls'",
		"corrupted session transcript",
	}

	roleOrderingPatterns = []string{
		"roles must alternate",
		"incorrect role information",
		"role_ordering",
		"must start with a user",
		"expected alternating",
		"consecutive user messages",
	}

	contextOverflowPatterns = []string{
		"context length exceeded",
		"context_length_exceeded",
		"maximum context length",
		"prompt is too long",
		"request_too_large",
		"context window",
		"exceeds the model's maximum context",
		"input is too long",
		"too many tokens",
	}

	transientPatterns = []string{
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"web server is down",
		"internal server error",
		"overloaded",
		"connection reset by peer",
		"upstream connect error",
	}

	transientStatusLead = regexp.MustCompile(`^\s*(?:http\s*)?(?:error\s*)?(?:50[0-4]|52[0-4]|529)\b`)
	transientStatusKV   = regexp.MustCompile(`\bstatus(?:\s*code)?\s*[:=]?\s*(?:50[0-4]|52[0-4]|529)\b`)
)

// ClassifyError maps a backend error to its recovery category. Typed errors
// are inspected first; free text goes through the pattern tables.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ClassAborted
	}
	if errors.Is(err, store.ErrCorruptTranscript) {
		return ClassSessionCorruption
	}
	if c := ClassifyText(err.Error()); c != ClassUnknown {
		return c
	}
	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) && httpErr.Transient() {
		return ClassTransientHTTP
	}
	return ClassUnknown
}

// ClassifyText applies the pattern tables to an error message.
func ClassifyText(text string) ErrorClass {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, compactionFailurePatterns):
		return ClassCompactionFailure
	case containsAny(lower, sessionCorruptionPatterns):
		return ClassSessionCorruption
	case containsAny(lower, roleOrderingPatterns):
		return ClassRoleOrdering
	case containsAny(lower, contextOverflowPatterns):
		return ClassContextOverflow
	case transientStatusLead.MatchString(lower),
		transientStatusKV.MatchString(lower),
		containsAny(lower, transientPatterns):
		return ClassTransientHTTP
	}
	return ClassUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// failoverWorthy reports whether the next candidate in the chain may help.
// History problems follow the session, not the model.
func failoverWorthy(err error) bool {
	switch ClassifyError(err) {
	case ClassContextOverflow, ClassCompactionFailure, ClassRoleOrdering, ClassSessionCorruption, ClassAborted:
		return false
	}
	return true
}

const maxUserErrorCells = 200

var (
	htmlTitlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlBlockPattern  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagPattern    = regexp.MustCompile(`(?s)<[^>]+>`)
	secretPattern     = regexp.MustCompile(`\b(sk-|xox[abp]-|ghp_|AIza)[A-Za-z0-9_\-]{6,}`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeErrorText turns a raw backend error into a short, non-leaking
// message: HTML pages are reduced to their title, credentials are masked
// and the result is truncated.
func SanitizeErrorText(text string) string {
	if m := htmlTitlePattern.FindStringSubmatch(text); m != nil {
		lead := strings.TrimSpace(text[:strings.Index(text, "<")])
		text = strings.TrimSpace(lead + " " + m[1])
	} else if strings.Contains(text, "<") && strings.Contains(text, ">") {
		text = htmlBlockPattern.ReplaceAllString(text, " ")
		text = htmlTagPattern.ReplaceAllString(text, " ")
	}
	text = secretPattern.ReplaceAllString(text, "${1}***")
	text = bearerPattern.ReplaceAllString(text, "Bearer ***")
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	if text == "" {
		return "unknown error"
	}
	return runewidth.Truncate(text, maxUserErrorCells, "…")
}
