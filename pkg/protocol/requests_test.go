package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
	}{
		{
			name:    "register",
			payload: `{"action":"register","username":"alice","password":"secret"}`,
			want:    RegisterRequest{Username: "alice", Password: "secret"},
		},
		{
			name:    "login",
			payload: `{"action":"login","username":"alice","password":"secret"}`,
			want:    LoginRequest{Username: "alice", Password: "secret"},
		},
		{
			name:    "message",
			payload: `{"action":"message","receiver":"bob","content":"hello"}`,
			want:    SendMessageRequest{Receiver: "bob", Content: "hello"},
		},
		{
			name:    "file",
			payload: `{"action":"file","receiver":"bob","file_name":"notes.txt","file_data":"aGVsbG8="}`,
			want:    SendFileRequest{Receiver: "bob", FileName: "notes.txt", FileData: "aGVsbG8="},
		},
		{
			name:    "add contact",
			payload: `{"action":"contacts","contact_action":"add","contact_username":"bob"}`,
			want:    AddContactRequest{ContactUsername: "bob"},
		},
		{
			name:    "list contacts",
			payload: `{"action":"contacts","contact_action":"list"}`,
			want:    ListContactsRequest{},
		},
		{
			name:    "history",
			payload: `{"action":"contacts","contact_action":"history","contact_username":"bob"}`,
			want:    HistoryRequest{ContactUsername: "bob"},
		},
		{
			name:    "unknown fields are ignored",
			payload: `{"action":"message","receiver":"bob","content":"hi","extra":42}`,
			want:    SendMessageRequest{Receiver: "bob", Content: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeRequestMissingFields(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantAction string
		wantField  string
	}{
		{"no action", `{"username":"alice"}`, "", "action"},
		{"register without password", `{"action":"register","username":"alice"}`, ActionRegister, "password"},
		{"login without username", `{"action":"login","password":"x"}`, ActionLogin, "username"},
		{"message without content", `{"action":"message","receiver":"bob"}`, ActionMessage, "content"},
		{"message with empty receiver", `{"action":"message","receiver":"","content":"x"}`, ActionMessage, "receiver"},
		{"file without data", `{"action":"file","receiver":"bob","file_name":"a"}`, ActionFile, "file_data"},
		{"contacts without sub-action", `{"action":"contacts"}`, ActionContacts, "contact_action"},
		{"add without target", `{"action":"contacts","contact_action":"add"}`, ActionContacts, "contact_username"},
		{"history without target", `{"action":"contacts","contact_action":"history"}`, ActionHistory, "contact_username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.payload))
			require.ErrorIs(t, err, ErrMissingField)

			var fieldErr *FieldError
			require.True(t, errors.As(err, &fieldErr))
			assert.Equal(t, tt.wantAction, fieldErr.Action)
			assert.Equal(t, tt.wantField, fieldErr.Field)
		})
	}
}

func TestDecodeRequestUnsupportedAction(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"action":"delete_everything"}`))
	require.ErrorIs(t, err, ErrUnsupportedAction)

	var unsupported *UnsupportedActionError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "delete_everything", unsupported.Action)

	_, err = DecodeRequest([]byte(`{"action":"contacts","contact_action":"remove"}`))
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, ActionContacts, unsupported.Action)
	assert.Equal(t, "remove", unsupported.ContactAction)
}

func TestDecodeRequestMalformed(t *testing.T) {
	for _, payload := range []string{"", "   ", "not json", "[1,2,3]", `{"action":`, `"login"`} {
		_, err := DecodeRequest([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %q", payload)
	}
}

func TestDecodeRequestWrongFieldType(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"action":"login","username":7,"password":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestResponsesKeepEmptyLists(t *testing.T) {
	payload, err := EncodePayload(&ContactsResponse{Status: StatusSuccess, Action: ActionContacts, Contacts: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","action":"contacts","contacts":[]}`, string(payload))

	payload, err = EncodePayload(&HistoryResponse{Status: StatusSuccess, Action: ActionHistory, Messages: []HistoryEntry{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","action":"history","messages":[]}`, string(payload))
}

func TestHistoryEntryNullFileReference(t *testing.T) {
	content := "hello"
	payload, err := EncodePayload(&HistoryEntry{Sender: "alice", Content: &content, Timestamp: "t"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Contains(t, decoded, "file_reference")
	assert.Nil(t, decoded["file_reference"])
}

func TestEncodePayloadDoesNotEscapeHTML(t *testing.T) {
	payload, err := EncodePayload(Failure(ActionFile, "<bad> & worse"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "<bad> & worse")
}
