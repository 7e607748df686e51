// Package stream maintains the realtime push channel to the job service:
// connection lifecycle, bounded reconnection, heartbeat liveness and the
// routing of typed inbound frames.
package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/thruflo/mpcwatch/internal/jobs"
)

// MessageType identifies the type of a frame on the push channel.
type MessageType string

const (
	// Server → client message types

	// MessageTypeJobListSnapshot carries the full set of the user's jobs.
	MessageTypeJobListSnapshot MessageType = "job-list-snapshot"
	// MessageTypeJobUpdate is an incremental update for one job.
	MessageTypeJobUpdate MessageType = "job-update"
	// MessageTypeAggregationResult attaches a computed result to a job.
	MessageTypeAggregationResult MessageType = "aggregation-result"
	// MessageTypeHealthReport is informational service health.
	MessageTypeHealthReport MessageType = "health-report"
	// MessageTypePong answers a ping.
	MessageTypePong MessageType = "pong"
	// MessageTypeReconnectRequest asks the client to cycle its connection.
	MessageTypeReconnectRequest MessageType = "reconnect-request"
	// MessageTypeBroadcastNotice is an informational notice for the user.
	MessageTypeBroadcastNotice MessageType = "broadcast-notice"

	// Client → server message types

	// MessageTypePing is a heartbeat probe.
	MessageTypePing MessageType = "ping"
	// MessageTypeGetSnapshot requests a job-list-snapshot.
	MessageTypeGetSnapshot MessageType = "get_snapshot"
)

// Frame is a message on the push channel. Server frames carry Type, Data
// and Timestamp; client frames carry Type and, for pings, ClientTime.
type Frame struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *Timestamp      `json:"timestamp,omitempty"`

	// ClientTime is the sender's clock in Unix milliseconds (ping).
	ClientTime int64 `json:"clientTime,omitempty"`
	// EchoedTime is the ping's ClientTime echoed back (pong). Servers may
	// also put it inside Data.
	EchoedTime int64 `json:"echoedTime,omitempty"`
}

// NewPingFrame creates a ping stamped with the given client time.
func NewPingFrame(clientTime time.Time) Frame {
	return Frame{Type: MessageTypePing, ClientTime: clientTime.UnixMilli()}
}

// NewSnapshotRequest creates a get_snapshot frame.
func NewSnapshotRequest() Frame {
	return Frame{Type: MessageTypeGetSnapshot}
}

// NewFrame creates a server frame with the given data and timestamp.
func NewFrame(msgType MessageType, data any, ts time.Time) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal frame data: %w", err)
	}
	return Frame{Type: msgType, Data: raw, Timestamp: &Timestamp{Time: ts}}, nil
}

// Marshal serializes the frame to JSON bytes.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes a Frame from JSON bytes.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame has no type")
	}
	return f, nil
}

// Time returns the frame timestamp, or the zero time if absent.
func (f Frame) Time() time.Time {
	if f.Timestamp == nil {
		return time.Time{}
	}
	return f.Timestamp.Time
}

// Timestamp accepts RFC 3339 strings and Unix millisecond numbers.
type Timestamp struct {
	time.Time
}

// MarshalJSON encodes the timestamp as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}

// UnmarshalJSON decodes an RFC 3339 string, a numeric string or a number of
// Unix milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, unquoted); err == nil {
			t.Time = ts
			return nil
		}
		s = unquoted
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", string(data))
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// JobPayload is the per-job body of job-update frames, snapshot entries and
// poll responses.
type JobPayload struct {
	JobID        string             `json:"job_id,omitempty"`
	ID           string             `json:"id,omitempty"`
	Status       string             `json:"status"`
	Participants []jobs.Participant `json:"participants,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Key returns the job id, accepting either job_id or id.
func (p JobPayload) Key() string {
	if p.JobID != "" {
		return p.JobID
	}
	return p.ID
}

// SnapshotPayload is the body of a job-list-snapshot frame.
type SnapshotPayload struct {
	Jobs []JobPayload `json:"jobs"`
}

// AggregationResultPayload is the body of an aggregation-result frame.
type AggregationResultPayload struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result"`
}

// Notice is the body of a broadcast-notice frame.
type Notice struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ReconnectRequest is the body of a reconnect-request frame.
type ReconnectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// pongPayload is the body of a pong frame.
type pongPayload struct {
	EchoedTime int64 `json:"echoedTime"`
}

// JobUpdateData returns the payload of a job-update frame.
func (f Frame) JobUpdateData() (*JobPayload, error) {
	if f.Type != MessageTypeJobUpdate {
		return nil, fmt.Errorf("frame is not a job-update: %s", f.Type)
	}
	var data JobPayload
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job-update data: %w", err)
	}
	if data.Key() == "" {
		return nil, fmt.Errorf("job-update has no job id")
	}
	return &data, nil
}

// SnapshotData returns the jobs in a job-list-snapshot frame. Data may be
// either {"jobs": [...]} or a bare array.
func (f Frame) SnapshotData() ([]JobPayload, error) {
	if f.Type != MessageTypeJobListSnapshot {
		return nil, fmt.Errorf("frame is not a job-list-snapshot: %s", f.Type)
	}
	var list []JobPayload
	if err := json.Unmarshal(f.Data, &list); err == nil {
		return list, nil
	}
	var data SnapshotPayload
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job-list-snapshot data: %w", err)
	}
	return data.Jobs, nil
}

// AggregationResultData returns the payload of an aggregation-result frame.
func (f Frame) AggregationResultData() (*AggregationResultPayload, error) {
	if f.Type != MessageTypeAggregationResult {
		return nil, fmt.Errorf("frame is not an aggregation-result: %s", f.Type)
	}
	var data AggregationResultPayload
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aggregation-result data: %w", err)
	}
	if data.JobID == "" {
		return nil, fmt.Errorf("aggregation-result has no job id")
	}
	return &data, nil
}

// HealthReportData returns the payload of a health-report frame as a
// generic object; its fields are display-only.
func (f Frame) HealthReportData() (map[string]any, error) {
	if f.Type != MessageTypeHealthReport {
		return nil, fmt.Errorf("frame is not a health-report: %s", f.Type)
	}
	data := map[string]any{}
	if len(f.Data) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health-report data: %w", err)
	}
	return data, nil
}

// NoticeData returns the payload of a broadcast-notice frame. A bare string
// body is accepted as the message.
func (f Frame) NoticeData() (*Notice, error) {
	if f.Type != MessageTypeBroadcastNotice {
		return nil, fmt.Errorf("frame is not a broadcast-notice: %s", f.Type)
	}
	var msg string
	if err := json.Unmarshal(f.Data, &msg); err == nil {
		return &Notice{Message: msg}, nil
	}
	var data Notice
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal broadcast-notice data: %w", err)
	}
	return &data, nil
}

// ReconnectData returns the payload of a reconnect-request frame.
func (f Frame) ReconnectData() (*ReconnectRequest, error) {
	if f.Type != MessageTypeReconnectRequest {
		return nil, fmt.Errorf("frame is not a reconnect-request: %s", f.Type)
	}
	var data ReconnectRequest
	if len(f.Data) == 0 {
		return &data, nil
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reconnect-request data: %w", err)
	}
	return &data, nil
}

// PongTime returns the echoed client time of a pong frame, read from Data
// or, failing that, the top-level echoedTime field.
func (f Frame) PongTime() (time.Time, error) {
	if f.Type != MessageTypePong {
		return time.Time{}, fmt.Errorf("frame is not a pong: %s", f.Type)
	}
	echoed := f.EchoedTime
	if len(f.Data) > 0 {
		var data pongPayload
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return time.Time{}, fmt.Errorf("failed to unmarshal pong data: %w", err)
		}
		if data.EchoedTime != 0 {
			echoed = data.EchoedTime
		}
	}
	if echoed == 0 {
		return time.Time{}, fmt.Errorf("pong has no echoed time")
	}
	return time.UnixMilli(echoed), nil
}
