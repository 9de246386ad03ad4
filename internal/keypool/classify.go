package keypool

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var keyErrorReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
	"rateLimitExceeded":  true,
	"keyInvalid":         true,
	"forbidden":          true,
}

// IsKeyExhausted reports whether err means the key used for a call is out of
// quota, rate limited, or not accepted by the upstream.
func IsKeyExhausted(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests {
			return true
		}
		for _, item := range gerr.Errors {
			if keyErrorReasons[item.Reason] {
				return true
			}
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.PermissionDenied, codes.Unauthenticated:
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "API_KEY_INVALID")
}
