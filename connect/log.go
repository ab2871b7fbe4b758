package connect

import (
	"fmt"
)

// Logging convention in the `connect` package:
// Info:
//     abnormal behavior only. silent on normal operation, except one time initialization
//     - backpressure and timeouts
//     - handshake rejections
//     - abnormal exits
// Error:
//     unexpected panics, even if handled
// V(1):
//     session and connection lifecycle
// V(2):
//     per message traces
//
// Lines are tagged with the component: [s]<session id> server session,
// [b] broadcaster, [c] client, [t] transport.

func sessionTag(sessionId Id) string {
	return fmt.Sprintf("[s]%s", sessionId)
}

func clientTag(sessionId Id) string {
	if sessionId == (Id{}) {
		return "[c]"
	}
	return fmt.Sprintf("[c]%s", sessionId)
}
