package mcp

import (
	"fmt"
	"strings"

	"github.com/ashfox/meshgate/internal/logger"
)

// sensitivePatterns are substrings that must never reach a client.
var sensitivePatterns = []string{
	"mgk_",
	"api_key",
	"token",
	"password",
	"secret",
	"credential",
}

// internalErrorPatterns mark infrastructure failures whose details stay
// in the log.
var internalErrorPatterns = []string{
	"sql",
	"database",
	"connection refused",
	"no such file",
	"permission denied",
	"context canceled",
	"EOF",
}

// SanitizeError returns a client-safe error. Internal details are logged
// but not exposed.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}

	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(lower) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	if len(errStr) < 80 {
		return err
	}
	return fmt.Errorf("%s failed: an unexpected error occurred", operation)
}

func isUserFacingError(lower string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"exceeded",
		"limit",
	}
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
