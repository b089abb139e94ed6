package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/pairchat/pkg/content"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Response messages
const (
	msgRegistered          = "Registration successful"
	msgUsernameTaken       = "username already exists"
	msgPasswordTooLong     = "password too long"
	msgRegistrationFailed  = "registration failed"
	msgLoggedIn            = "Login successful"
	msgInvalidCredentials  = "invalid credentials"
	msgLoginFailed         = "login failed"
	msgNotAuthenticated    = "not authenticated"
	msgReceiverUnknown     = "receiver does not exist"
	msgRateLimited         = "rate limit exceeded"
	msgSendFailed          = "failed to send message"
	msgInvalidFileData     = "invalid file data"
	msgInvalidFileName     = "invalid file name"
	msgFileTooLarge        = "file exceeds maximum size"
	msgStoreFileFailed     = "failed to store file"
	msgContactAdded        = "Contact added successfully"
	msgContactUnknown      = "contact user does not exist"
	msgContactsFailed      = "failed to load contacts"
	msgHistoryFailed       = "failed to load history"
	msgUnsupportedAction   = "unsupported action"
	msgUnsupportedContacts = "unsupported contact action"
	msgResponseTooLarge    = "response too large"
)

// fileContent is the placeholder text stored and forwarded for an attachment
func fileContent(name string) string {
	return fmt.Sprintf("[File: %s]", name)
}

// handlePayload decodes one frame payload and dispatches it.
// The returned error means the session's own connection failed.
func (s *Server) handlePayload(sess *Session, payload []byte) error {
	logger := sessionLogger(sess)

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		var fieldErr *protocol.FieldError
		var unsupported *protocol.UnsupportedActionError
		switch {
		case errors.Is(err, protocol.ErrMalformedPayload):
			logger.WithError(err).WithField("bytes", len(payload)).Warn("Dropping malformed payload")
			s.metrics.RecordFrameDropped(dropMalformed)
			return nil
		case errors.As(err, &fieldErr):
			logger.WithField("action", fieldErr.Action).Debug(err.Error())
			return s.sendFailure(sess, fieldErr.Action, fieldErr.Error())
		case errors.As(err, &unsupported):
			logger.WithField("action", unsupported.Action).Warn(err.Error())
			if unsupported.Action == protocol.ActionContacts {
				return s.sendFailure(sess, protocol.ActionContacts, msgUnsupportedContacts)
			}
			return s.sendFailure(sess, unsupported.Action, msgUnsupportedAction)
		default:
			return fmt.Errorf("decode request: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordRequest(req.Action(), time.Since(start).Seconds())
	}()

	return s.dispatch(sess, req)
}

// dispatch routes a decoded request to its handler
func (s *Server) dispatch(sess *Session, req protocol.Request) error {
	switch r := req.(type) {
	case protocol.RegisterRequest:
		return s.handleRegister(sess, r)
	case protocol.LoginRequest:
		return s.handleLogin(sess, r)
	}

	username, ok := s.sessions.Get(sess.ID)
	if !ok {
		sessionLogger(sess).WithField("action", req.Action()).Debug("Rejecting request from unauthenticated session")
		return s.sendFailure(sess, req.Action(), msgNotAuthenticated)
	}

	switch r := req.(type) {
	case protocol.SendMessageRequest:
		return s.handleSendMessage(sess, username, r)
	case protocol.SendFileRequest:
		return s.handleSendFile(sess, username, r)
	case protocol.AddContactRequest:
		return s.handleAddContact(sess, username, r)
	case protocol.ListContactsRequest:
		return s.handleListContacts(sess, username)
	case protocol.HistoryRequest:
		return s.handleHistory(sess, username, r)
	default:
		return s.sendFailure(sess, req.Action(), msgUnsupportedAction)
	}
}

// handleRegister handles the register action
func (s *Server) handleRegister(sess *Session, req protocol.RegisterRequest) error {
	logger := sessionLogger(sess).WithFields(log.Fields{"action": protocol.ActionRegister, "username": req.Username})
	logger.Info("Registration attempt")

	_, err := s.db.CreateIdentity(req.Username, req.Password)
	switch {
	case errors.Is(err, database.ErrUsernameTaken):
		logger.Info("Registration rejected: username taken")
		return s.sendFailure(sess, protocol.ActionRegister, msgUsernameTaken)
	case errors.Is(err, database.ErrPasswordTooLong):
		return s.sendFailure(sess, protocol.ActionRegister, msgPasswordTooLong)
	case err != nil:
		logger.WithError(err).Error("Registration failed")
		return s.sendFailure(sess, protocol.ActionRegister, msgRegistrationFailed)
	}

	logger.Info("Registration successful")
	return s.sendJSON(sess, protocol.ActionRegister, protocol.Success(protocol.ActionRegister, msgRegistered))
}

// handleLogin handles the login action. A login on an already authenticated
// connection rebinds it to the new identity.
func (s *Server) handleLogin(sess *Session, req protocol.LoginRequest) error {
	logger := sessionLogger(sess).WithFields(log.Fields{"action": protocol.ActionLogin, "username": req.Username})
	logger.Info("Login attempt")

	ident, err := s.db.VerifyCredentials(req.Username, req.Password)
	switch {
	case errors.Is(err, database.ErrInvalidCredentials):
		logger.Info("Login rejected: invalid credentials")
		return s.sendFailure(sess, protocol.ActionLogin, msgInvalidCredentials)
	case err != nil:
		logger.WithError(err).Error("Login failed")
		return s.sendFailure(sess, protocol.ActionLogin, msgLoginFailed)
	}

	if previous, ok := s.sessions.Get(sess.ID); ok && previous != ident.Username {
		logger.WithField("previous", previous).Info("Rebinding session to new identity")
	}
	s.sessions.Put(sess.ID, ident.Username)

	logger.Info("Login successful")
	resp := protocol.Success(protocol.ActionLogin, msgLoggedIn)
	resp.Username = ident.Username
	return s.sendJSON(sess, protocol.ActionLogin, resp)
}

// handleSendMessage stores a text message and forwards it if the receiver is online.
// The sender gets no acknowledgement on success.
func (s *Server) handleSendMessage(sess *Session, sender string, req protocol.SendMessageRequest) error {
	logger := sessionLogger(sess).WithFields(log.Fields{"action": protocol.ActionMessage, "sender": sender, "receiver": req.Receiver})

	if !sess.Allow() {
		logger.Warn("Message rate limit exceeded")
		return s.sendFailure(sess, protocol.ActionMessage, msgRateLimited)
	}

	text := req.Content
	msg, err := s.db.InsertMessage(sender, req.Receiver, &text, nil)
	switch {
	case errors.Is(err, database.ErrIdentityNotFound):
		return s.sendFailure(sess, protocol.ActionMessage, msgReceiverUnknown)
	case err != nil:
		logger.WithError(err).Error("Failed to store message")
		return s.sendFailure(sess, protocol.ActionMessage, msgSendFailed)
	}
	s.metrics.RecordMessagePersisted("text")
	logger.WithField("message_id", msg.ID).Debug("Stored message")

	s.deliver(msg.Receiver, &protocol.DeliveredMessage{
		Action:    protocol.ActionMessage,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Content:   text,
		Timestamp: protocol.FormatTimestamp(msg.SentTime()),
	})
	return nil
}

// handleSendFile decodes, stores, records and forwards an attachment, then
// confirms it to the sender
func (s *Server) handleSendFile(sess *Session, sender string, req protocol.SendFileRequest) error {
	logger := sessionLogger(sess).WithFields(log.Fields{"action": protocol.ActionFile, "sender": sender, "receiver": req.Receiver})
	logger.WithField("file_name", req.FileName).Info("File transfer received")

	if !sess.Allow() {
		logger.Warn("Message rate limit exceeded")
		return s.sendFailure(sess, protocol.ActionFile, msgRateLimited)
	}

	// Reject before decoding when even the encoded form is too big
	if base64.StdEncoding.DecodedLen(len(req.FileData)) > s.config.MaxFileBytes+2 {
		return s.sendFailure(sess, protocol.ActionFile, msgFileTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		logger.WithError(err).Warn("Invalid file data")
		return s.sendFailure(sess, protocol.ActionFile, msgInvalidFileData)
	}
	if len(data) > s.config.MaxFileBytes {
		return s.sendFailure(sess, protocol.ActionFile, msgFileTooLarge)
	}
	logger.WithField("bytes", len(data)).Debug("File data decoded")

	name := content.BaseName(req.FileName)
	if name == "" {
		return s.sendFailure(sess, protocol.ActionFile, msgInvalidFileName)
	}

	// Check the receiver first so unknown receivers never leave a blob behind
	if _, err := s.db.GetIdentity(req.Receiver); err != nil {
		if errors.Is(err, database.ErrIdentityNotFound) {
			return s.sendFailure(sess, protocol.ActionFile, msgReceiverUnknown)
		}
		logger.WithError(err).Error("Failed to look up receiver")
		return s.sendFailure(sess, protocol.ActionFile, msgStoreFileFailed)
	}

	handle, err := s.files.Save(name, data)
	if err != nil {
		logger.WithError(err).Error("Failed to save file")
		return s.sendFailure(sess, protocol.ActionFile, msgStoreFileFailed)
	}
	logger.WithField("file_reference", handle).Info("File saved")

	placeholder := fileContent(name)
	msg, err := s.db.InsertMessage(sender, req.Receiver, &placeholder, &handle)
	if err != nil {
		if rmErr := s.files.Remove(handle); rmErr != nil {
			logger.WithError(rmErr).WithField("file_reference", handle).Error("Failed to remove orphaned file")
		}
		if errors.Is(err, database.ErrIdentityNotFound) {
			return s.sendFailure(sess, protocol.ActionFile, msgReceiverUnknown)
		}
		logger.WithError(err).Error("Failed to store file message")
		return s.sendFailure(sess, protocol.ActionFile, msgStoreFileFailed)
	}
	s.metrics.RecordMessagePersisted("file")
	logger.WithField("message_id", msg.ID).Info("File message stored")

	timestamp := protocol.FormatTimestamp(msg.SentTime())
	s.deliver(msg.Receiver, &protocol.DeliveredMessage{
		Action:        protocol.ActionMessage,
		Sender:        msg.Sender,
		Receiver:      msg.Receiver,
		Content:       placeholder,
		IsFile:        true,
		FileReference: handle,
		Timestamp:     timestamp,
	})

	logger.Info("File transfer confirmed")
	return s.sendJSON(sess, protocol.ActionFile, &protocol.FileSentResponse{
		Status:        protocol.StatusSuccess,
		Action:        protocol.ActionFile,
		FileName:      name,
		FileReference: handle,
		Timestamp:     timestamp,
	})
}

// handleAddContact adds a directed contact edge and replies with the refreshed list
func (s *Server) handleAddContact(sess *Session, owner string, req protocol.AddContactRequest) error {
	logger := sessionLogger(sess).WithFields(log.Fields{"action": protocol.ActionContacts, "owner": owner, "contact": req.ContactUsername})

	added, err := s.db.AddContactEdge(owner, req.ContactUsername)
	switch {
	case errors.Is(err, database.ErrIdentityNotFound):
		return s.sendFailure(sess, protocol.ActionContacts, msgContactUnknown)
	case err != nil:
		logger.WithError(err).Error("Failed to add contact")
		return s.sendFailure(sess, protocol.ActionContacts, msgContactsFailed)
	}
	logger.WithField("new", added).Debug("Contact added")

	contacts, err := s.db.ListContacts(owner)
	if err != nil {
		logger.WithError(err).Error("Failed to list contacts")
		return s.sendFailure(sess, protocol.ActionContacts, msgContactsFailed)
	}

	return s.sendJSON(sess, protocol.ActionContacts, &protocol.ContactsResponse{
		Status:   protocol.StatusSuccess,
		Action:   protocol.ActionContacts,
		Message:  msgContactAdded,
		Contacts: contacts,
	})
}

// handleListContacts replies with the owner's contacts in the order they were added
func (s *Server) handleListContacts(sess *Session, owner string) error {
	contacts, err := s.db.ListContacts(owner)
	if err != nil {
		sessionLogger(sess).WithError(err).WithField("action", protocol.ActionContacts).Error("Failed to list contacts")
		return s.sendFailure(sess, protocol.ActionContacts, msgContactsFailed)
	}

	return s.sendJSON(sess, protocol.ActionContacts, &protocol.ContactsResponse{
		Status:   protocol.StatusSuccess,
		Action:   protocol.ActionContacts,
		Contacts: contacts,
	})
}

// handleHistory replies with every message between the caller and the named contact
func (s *Server) handleHistory(sess *Session, owner string, req protocol.HistoryRequest) error {
	history, err := s.db.FetchHistory(owner, req.ContactUsername)
	switch {
	case errors.Is(err, database.ErrIdentityNotFound):
		return s.sendFailure(sess, protocol.ActionHistory, msgContactUnknown)
	case err != nil:
		sessionLogger(sess).WithError(err).WithField("action", protocol.ActionHistory).Error("Failed to load history")
		return s.sendFailure(sess, protocol.ActionHistory, msgHistoryFailed)
	}

	entries := make([]protocol.HistoryEntry, 0, len(history))
	for _, msg := range history {
		entries = append(entries, protocol.HistoryEntry{
			Sender:        msg.Sender,
			Content:       msg.Content,
			FileReference: msg.FileReference,
			Timestamp:     protocol.FormatTimestamp(msg.SentTime()),
		})
	}

	return s.sendJSON(sess, protocol.ActionHistory, &protocol.HistoryResponse{
		Status:   protocol.StatusSuccess,
		Action:   protocol.ActionHistory,
		Messages: entries,
	})
}

// deliver forwards msg to the receiver's earliest live connection, if any.
// Delivery is best effort: the message is already stored. A copy too big to
// frame is skipped; a receiver whose connection fails is dropped from the registry.
func (s *Server) deliver(receiver string, msg *protocol.DeliveredMessage) {
	target, ok := s.sessions.FindConnection(receiver)
	if !ok {
		log.WithField("receiver", receiver).Debug("Receiver offline, message stored only")
		return
	}

	payload, err := protocol.EncodePayload(msg)
	if err != nil {
		log.WithError(err).Error("Failed to encode delivered message")
		return
	}

	err = target.Conn.WritePayload(payload)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		// Nothing was written, so the receiver's connection is still intact
		sessionLogger(target).WithFields(log.Fields{"sender": msg.Sender, "bytes": len(payload)}).Warn("Delivered copy exceeds frame cap, message stored only")
		s.metrics.RecordDeliveryDropped(dropOversized)
		return
	}
	if err != nil {
		sessionLogger(target).WithError(err).Warn("Delivery failed, dropping receiver session")
		s.metrics.RecordDeliveryDropped(dropWriteFailed)
		s.sessions.RemoveSession(target.ID)
		return
	}

	s.metrics.RecordMessageRouted()
	s.metrics.RecordResponseSent(msg.Action)
	sessionLogger(target).WithField("sender", msg.Sender).Debug("Message delivered")
}

// sendJSON encodes v and writes it to the session's connection
func (s *Server) sendJSON(sess *Session, action string, v any) error {
	payload, err := protocol.EncodePayload(v)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", action, err)
	}

	err = sess.Conn.WritePayload(payload)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		sessionLogger(sess).WithFields(log.Fields{"action": action, "bytes": len(payload)}).Warn("Response exceeds frame cap")
		return s.sendFailure(sess, action, msgResponseTooLarge)
	}
	if err != nil {
		return err
	}

	s.metrics.RecordResponseSent(action)
	return nil
}

// sendFailure sends an error status response
func (s *Server) sendFailure(sess *Session, action, message string) error {
	return s.sendJSON(sess, action, protocol.Failure(action, message))
}

// sessionLogger returns a logger carrying the session's identifying fields
func sessionLogger(sess *Session) *log.Entry {
	return log.WithFields(log.Fields{
		"session": sess.ID,
		"remote":  sess.Conn.RemoteAddr().String(),
	})
}
