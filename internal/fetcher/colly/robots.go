package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport intercepts robots.txt checks. Transient failures are
// retried with backoff; when they persist the check is answered with an
// allow-all file and the fetch is marked indeterminate on state. Everything
// else goes straight to base.
type robotsAwareTransport struct {
	base    http.RoundTripper
	state   *robotsCheckState
	backoff []time.Duration
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.state == nil || req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}

	backoff := t.backoff
	if backoff == nil {
		backoff = defaultRobotsBackoff
	}
	var reason string
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		reason = transientReason(resp, err)
		if reason == "" {
			if err != nil {
				return nil, fmt.Errorf("robots.txt check: %w", err)
			}
			return resp, nil
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if attempt >= len(backoff) {
			break
		}
		if err := sleepCtx(req.Context(), backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt check: %w", err)
		}
	}

	t.state.markIndeterminate(reason)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}, nil
}

// transientReason names the failure when a check is worth retrying and
// returns "" for a usable response or a permanent error.
func transientReason(resp *http.Response, err error) string {
	switch {
	case err == nil && resp != nil && resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Sprintf("robots.txt returned %d", resp.StatusCode)
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "robots.txt check timed out"
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return "robots.txt connection failed"
	case strings.Contains(err.Error(), "tls: handshake timeout"):
		return "TLS handshake timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "robots.txt check timed out"
	}
	return ""
}

// robotsCheckState carries the check outcome of a single Fetch.
type robotsCheckState struct {
	status collector.RobotsStatus
	reason string
}

func (s *robotsCheckState) markIndeterminate(reason string) {
	if s.status == collector.RobotsStatusIndeterminate {
		return
	}
	s.status = collector.RobotsStatusIndeterminate
	s.reason = reason
	metrics.ObserveRobotsFallback()
}

func (s *robotsCheckState) apply(resp *collector.FetchResponse) {
	if s == nil || resp == nil || s.status == collector.RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus = s.status
	resp.RobotsReason = s.reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
