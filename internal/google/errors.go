package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"calsync/internal/backend"

	"google.golang.org/api/googleapi"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps a Calendar API failure onto the backend error taxonomy.
func classify(op backend.Op, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return fmt.Errorf("google %s: %w: %w", op, backend.ErrNotFound, err)
		case apiErr.Code == http.StatusForbidden && isRateLimited(apiErr):
			return fmt.Errorf("google %s: %w: %w", op, backend.ErrUnavailable, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("google %s: %w: %w", op, backend.ErrPermissionDenied, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("google %s: %w: %w", op, backend.ErrUnavailable, err)
		}
		return fmt.Errorf("google %s: %w", op, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("google %s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("google %s: %w: %w", op, backend.ErrUnavailable, err)
	}
	return fmt.Errorf("google %s: %w", op, err)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}
