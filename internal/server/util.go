package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/l1veIn/dora-manager/internal/install"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/release"
	"github.com/l1veIn/dora-manager/internal/supervisor"
)

// statusFor maps engine error kinds to HTTP statuses. The kind is the
// engine's contract; messages are never parsed.
func statusFor(err error) int {
	var netErr *release.NetworkError
	var rateErr *release.RateLimitError
	switch {
	case errors.Is(err, release.ErrNotFound),
		errors.Is(err, registry.ErrNotInstalled):
		return http.StatusNotFound
	case errors.Is(err, install.ErrEmptySpec):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInUse),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.As(err, &netErr), errors.As(err, &rateErr):
		return http.StatusBadGateway
	case errors.Is(err, install.ErrRustMissing),
		errors.Is(err, registry.ErrNoActiveVersion):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

// isSafeName validates version specs used in filesystem paths.
// Allowed: A-Za-z0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}
