package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// TimestampLayout is the wire format of every timestamp field
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// StatusResponse is the generic success/error reply (register, login, errors)
type StatusResponse struct {
	Status   string `json:"status"`
	Action   string `json:"action"`
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
}

// ContactsResponse carries the owner's contact list
type ContactsResponse struct {
	Status   string   `json:"status"`
	Action   string   `json:"action"`
	Message  string   `json:"message,omitempty"`
	Contacts []string `json:"contacts"`
}

// HistoryEntry is one message in a history response
type HistoryEntry struct {
	Sender        string  `json:"sender"`
	Content       *string `json:"content"`
	FileReference *string `json:"file_reference"`
	Timestamp     string  `json:"timestamp"`
}

// HistoryResponse carries the ordered conversation between two identities
type HistoryResponse struct {
	Status   string         `json:"status"`
	Action   string         `json:"action"`
	Messages []HistoryEntry `json:"messages"`
}

// FileSentResponse confirms a stored attachment to its sender
type FileSentResponse struct {
	Status        string `json:"status"`
	Action        string `json:"action"`
	FileName      string `json:"file_name"`
	FileReference string `json:"file_reference"`
	Timestamp     string `json:"timestamp"`
}

// DeliveredMessage is the frame routed to an online receiver
type DeliveredMessage struct {
	Action        string `json:"action"`
	Sender        string `json:"sender"`
	Receiver      string `json:"receiver"`
	Content       string `json:"content"`
	IsFile        bool   `json:"is_file,omitempty"`
	FileReference string `json:"file_reference,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Success builds a success StatusResponse
func Success(action, message string) *StatusResponse {
	return &StatusResponse{Status: StatusSuccess, Action: action, Message: message}
}

// Failure builds an error StatusResponse
func Failure(action, message string) *StatusResponse {
	return &StatusResponse{Status: StatusError, Action: action, Message: message}
}

// FormatTimestamp renders t in the wire timestamp format (UTC)
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EncodePayload marshals a response into a frame payload.
// HTML escaping is left off so file names and content round-trip verbatim.
func EncodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
