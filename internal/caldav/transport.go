package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"calsync/internal/backend"
)

const userAgent = "calsync/1.0"

// statusError is returned by customTransport for responses the sync engine
// has to classify. It survives the url.Error wrapping done by http.Client.
type statusError struct {
	Method string
	URL    string
	Code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if classifiedStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &statusError{Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode}
	}
	return resp, nil
}

func classifiedStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

// classify maps a CalDAV failure onto the backend error taxonomy.
func classify(op backend.Op, err error) error {
	if err == nil {
		return nil
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusNotFound || se.Code == http.StatusGone:
			return fmt.Errorf("caldav %s: %w: %w", op, backend.ErrNotFound, err)
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return fmt.Errorf("caldav %s: %w: %w", op, backend.ErrPermissionDenied, err)
		default:
			return fmt.Errorf("caldav %s: %w: %w", op, backend.ErrUnavailable, err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("caldav %s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("caldav %s: %w: %w", op, backend.ErrUnavailable, err)
	}
	return fmt.Errorf("caldav %s: %w", op, err)
}
