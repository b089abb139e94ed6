package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action discriminators carried in the "action" field
const (
	ActionRegister = "register"
	ActionLogin    = "login"
	ActionMessage  = "message"
	ActionFile     = "file"
	ActionContacts = "contacts"
	ActionHistory  = "history"
)

// Contact sub-actions carried in the "contact_action" field
const (
	ContactActionAdd     = "add"
	ContactActionList    = "list"
	ContactActionHistory = "history"
)

var (
	// ErrMalformedPayload indicates a complete frame whose payload is not a JSON object
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingField indicates a required request field is absent or empty
	ErrMissingField = errors.New("missing required field")
	// ErrUnsupportedAction indicates an unknown action or contact_action
	ErrUnsupportedAction = errors.New("unsupported action")
)

// FieldError reports which field of which action failed validation
type FieldError struct {
	Action string
	Field  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Field)
}

func (e *FieldError) Unwrap() error {
	return ErrMissingField
}

// UnsupportedActionError reports the action (and contact_action) that had no handler
type UnsupportedActionError struct {
	Action        string
	ContactAction string
}

func (e *UnsupportedActionError) Error() string {
	if e.Action == ActionContacts {
		return fmt.Sprintf("unsupported contact action %q", e.ContactAction)
	}
	return fmt.Sprintf("%s %q", ErrUnsupportedAction, e.Action)
}

func (e *UnsupportedActionError) Unwrap() error {
	return ErrUnsupportedAction
}

// Request is one decoded, validated client request
type Request interface {
	// Action returns the action name used in responses for this request
	Action() string
}

type RegisterRequest struct {
	Username string
	Password string
}

type LoginRequest struct {
	Username string
	Password string
}

type SendMessageRequest struct {
	Receiver string
	Content  string
}

// SendFileRequest carries the still base64-encoded payload; decoding happens
// in the handler so the size cap is applied before allocation.
type SendFileRequest struct {
	Receiver string
	FileName string
	FileData string
}

type AddContactRequest struct {
	ContactUsername string
}

type ListContactsRequest struct{}

type HistoryRequest struct {
	ContactUsername string
}

func (RegisterRequest) Action() string     { return ActionRegister }
func (LoginRequest) Action() string        { return ActionLogin }
func (SendMessageRequest) Action() string  { return ActionMessage }
func (SendFileRequest) Action() string     { return ActionFile }
func (AddContactRequest) Action() string   { return ActionContacts }
func (ListContactsRequest) Action() string { return ActionContacts }
func (HistoryRequest) Action() string      { return ActionHistory }

// envelope is the union of every field a client may send
type envelope struct {
	Action          *string `json:"action"`
	Username        string  `json:"username"`
	Password        string  `json:"password"`
	Receiver        string  `json:"receiver"`
	Content         string  `json:"content"`
	FileName        string  `json:"file_name"`
	FileData        string  `json:"file_data"`
	ContactAction   string  `json:"contact_action"`
	ContactUsername string  `json:"contact_username"`
}

// DecodeRequest parses a frame payload into a typed request.
//
// Payloads that are not a JSON object return ErrMalformedPayload. A valid
// object with an unknown action returns *UnsupportedActionError and one
// missing a required field returns *FieldError; both still identify the
// action so the caller can answer.
func DecodeRequest(payload []byte) (Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedPayload
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Action == nil {
		return nil, &FieldError{Field: "action"}
	}

	action := *env.Action
	switch action {
	case ActionRegister:
		if err := requireFields(action, "username", env.Username, "password", env.Password); err != nil {
			return nil, err
		}
		return RegisterRequest{Username: env.Username, Password: env.Password}, nil

	case ActionLogin:
		if err := requireFields(action, "username", env.Username, "password", env.Password); err != nil {
			return nil, err
		}
		return LoginRequest{Username: env.Username, Password: env.Password}, nil

	case ActionMessage:
		if err := requireFields(action, "receiver", env.Receiver, "content", env.Content); err != nil {
			return nil, err
		}
		return SendMessageRequest{Receiver: env.Receiver, Content: env.Content}, nil

	case ActionFile:
		if err := requireFields(action, "receiver", env.Receiver, "file_name", env.FileName, "file_data", env.FileData); err != nil {
			return nil, err
		}
		return SendFileRequest{Receiver: env.Receiver, FileName: env.FileName, FileData: env.FileData}, nil

	case ActionContacts:
		return decodeContactRequest(env)

	default:
		return nil, &UnsupportedActionError{Action: action}
	}
}

func decodeContactRequest(env envelope) (Request, error) {
	switch env.ContactAction {
	case ContactActionAdd:
		if err := requireFields(ActionContacts, "contact_username", env.ContactUsername); err != nil {
			return nil, err
		}
		return AddContactRequest{ContactUsername: env.ContactUsername}, nil

	case ContactActionList:
		return ListContactsRequest{}, nil

	case ContactActionHistory:
		if err := requireFields(ActionHistory, "contact_username", env.ContactUsername); err != nil {
			return nil, err
		}
		return HistoryRequest{ContactUsername: env.ContactUsername}, nil

	case "":
		return nil, &FieldError{Action: ActionContacts, Field: "contact_action"}

	default:
		return nil, &UnsupportedActionError{Action: ActionContacts, ContactAction: env.ContactAction}
	}
}

// requireFields takes (name, value) pairs and reports the first empty value
func requireFields(action string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &FieldError{Action: action, Field: pairs[i]}
		}
	}
	return nil
}
