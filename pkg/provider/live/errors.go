package live

import (
	"fmt"
	"strings"
)

// ServerError is an error reported by the remote service, either in a
// protocol message or as a websocket close reason.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	switch {
	case e.Status != "" && e.Code != 0:
		return fmt.Sprintf("live: server error %d %s: %s", e.Code, e.Status, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("live: server error %d: %s", e.Code, e.Message)
	default:
		return "live: server error: " + e.Message
	}
}

// Is makes errors.Is(err, ErrAuthentication) true for credential failures.
func (e *ServerError) Is(target error) bool {
	return target == ErrAuthentication && AuthenticationFailure(e.Code, e.Status, e.Message)
}

var authMessages = []string{
	"api key not valid",
	"api key expired",
	"requested entity was not found.",
	"permission denied",
	"unauthenticated",
}

// AuthenticationFailure classifies a server response as a credential problem.
func AuthenticationFailure(code int, status, message string) bool {
	switch code {
	case 401, 403:
		return true
	}
	switch strings.ToUpper(status) {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return true
	}
	msg := strings.ToLower(message)
	for _, m := range authMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
