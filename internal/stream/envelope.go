// Package stream drives one conversation run: it consumes graph runtime
// events, converts them into wire envelopes, detects stop and interrupt, and
// guarantees post-run persistence on every exit path.
package stream

import "time"

// Envelope types delivered to the client. A stream ends after exactly one of
// done, error or interrupt.
const (
	TypeContent        = "content"
	TypeToolStart      = "tool_start"
	TypeToolEnd        = "tool_end"
	TypeChatModelStart = "chat_model_start"
	TypeChatModelEnd   = "chat_model_end"
	TypeNodeStart      = "node_start"
	TypeNodeEnd        = "node_end"
	TypeStatus         = "status"
	TypeInterrupt      = "interrupt"
	TypeDone           = "done"
	TypeError          = "error"
)

// Error codes carried by error envelopes.
const (
	CodeStopped      = "stopped"
	CodeClientClosed = "client_closed"
	CodeInternal     = "internal"
)

// Envelope is one SSE data event as delivered to the client.
type Envelope struct {
	Type      string                 `json:"type"`
	ThreadID  string                 `json:"thread_id"`
	RunID     string                 `json:"run_id"`
	NodeName  string                 `json:"node_name"`
	Timestamp int64                  `json:"timestamp"`
	Tags      []string               `json:"tags"`
	Data      map[string]interface{} `json:"data"`
}

// newEnvelope stamps the envelope with the current time in milliseconds.
func newEnvelope(envType, threadID, runID, nodeName string, tags []string, data map[string]interface{}) Envelope {
	if tags == nil {
		tags = []string{}
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return Envelope{
		Type:      envType,
		ThreadID:  threadID,
		RunID:     runID,
		NodeName:  nodeName,
		Timestamp: time.Now().UnixMilli(),
		Tags:      tags,
		Data:      data,
	}
}

// Sender delivers envelopes to the client. Send returns an error when the
// client is gone; the engine treats that as a disconnect.
type Sender interface {
	Send(env Envelope) error
}
