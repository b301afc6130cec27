package observability

// EventEnvelope wraps a sync lifecycle event for the broker. EventType
// groups (e.g. "ws"), EventName is the specific occurrence (e.g.
// "ws_connect", "ws_receive_error").
type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	Payload   any    `json:"payload"`
}

// BuildHeaders assembles the correlation headers carried alongside an
// event. Empty ids are omitted rather than sent blank.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := make(map[string]string, 2)
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
