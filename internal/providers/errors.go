package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is returned when a provider answers with a non-2xx status.
// Its message starts with the status code so callers classifying free
// text (e.g. "521 ...") see it first.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if text := http.StatusText(e.Status); text != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, text, body)
	}
	return fmt.Sprintf("%d: %s", e.Status, body)
}

// Transient reports whether the status is a server-side or gateway failure.
func (e *HTTPError) Transient() bool {
	return e.Status >= 500
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
