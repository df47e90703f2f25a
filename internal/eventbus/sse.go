package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// WriteSSE writes a single unidentified SSE frame (used for keepalive pings).
func WriteSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// WriteSSEEvent marshals payload as JSON and writes a full id+event+data SSE
// frame for a RunEvent, matching the wire format reconnecting clients parse
// via Last-Event-ID.
func WriteSSEEvent(w io.Writer, seq int64, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, body)
	return err
}

// WriteSSERetry writes the leading "retry: N" directive clients use to set
// their reconnect backoff.
func WriteSSERetry(w io.Writer, retryMs int64) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	return err
}
