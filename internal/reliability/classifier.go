package reliability

import "github.com/gorilla/websocket"

// IsRetryableHTTPStatus classifies retryable HTTP status codes on the
// inference dial handshake.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRecoverableStreamError reports whether a mid-stream inference failure is
// the kind the session should survive by degrading to fallback, as opposed to
// a clean end of stream.
func IsRecoverableStreamError(err error) bool {
	if err == nil {
		return false
	}
	return !websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// IsRetryableRealtimeEvent classifies upstream realtime error events that are
// worth retrying within the same session.
func IsRetryableRealtimeEvent(eventType string) bool {
	switch eventType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}
