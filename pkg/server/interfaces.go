package server

import "github.com/aeolun/pairchat/pkg/database"

// DatabaseStore defines the persistence operations used by the server.
// *database.DB implements it; tests substitute fakes to inject failures.
type DatabaseStore interface {
	// Identity operations
	CreateIdentity(username, password string) (*database.Identity, error)
	VerifyCredentials(username, password string) (*database.Identity, error)
	GetIdentity(username string) (*database.Identity, error)
	CountIdentities() (int64, error)

	// Message operations
	InsertMessage(sender, receiver string, content, fileReference *string) (*database.Message, error)
	FetchHistory(a, b string) ([]*database.Message, error)

	// Contact operations
	AddContactEdge(owner, target string) (bool, error)
	ListContacts(owner string) ([]string, error)

	// Close the database
	Close() error
}

// ContentStore defines the attachment blob operations used by the server
type ContentStore interface {
	Save(originalName string, data []byte) (string, error)
	Remove(handle string) error
}
