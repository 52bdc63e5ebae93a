package services

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExchange indicates the provider rejected the authorization
	// code (expired, reused, verifier mismatch) or the token endpoint was
	// unreachable. Never retried: the interactive flow must be restarted.
	ErrAuthExchange = errors.New("authorization code exchange failed")
	// ErrNoRefreshToken indicates a refresh was requested for a credential
	// without stored refresh token material
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrRefreshRejected indicates the provider invalidated the refresh
	// grant; the credential is unusable until re-authentication
	ErrRefreshRejected = errors.New("refresh token rejected by provider")
	// ErrPendingAuthorizationExpired indicates the callback state was not
	// found or its entry aged out; the user must restart the flow
	ErrPendingAuthorizationExpired = errors.New("pending authorization expired or not found")
	// ErrCredentialNotFound indicates the OAuth credential was not found
	ErrCredentialNotFound = errors.New("oauth credential not found")
	// ErrSourceNotFound indicates the mail source was not found
	ErrSourceNotFound = errors.New("mail source not found")
	// ErrInvalidSourceData indicates required source fields are missing
	ErrInvalidSourceData = errors.New("invalid mail source data")
	// ErrSourceAlreadyExists indicates the user already archives this address
	ErrSourceAlreadyExists = errors.New("mail source already exists")
	// ErrSourceSyncInProgress indicates a sync of this source is underway
	ErrSourceSyncInProgress = errors.New("source sync already in progress")
	// ErrIMAPConnectionFailed indicates the protocol session could not be
	// opened (transport or authentication)
	ErrIMAPConnectionFailed = errors.New("IMAP connection failed")
)

// MessageParseError reports a single malformed raw message. It is scoped to
// one message and never retried; under the default abort policy it ends the
// current mailbox's fetch loop and is isolated from sibling mailboxes.
type MessageParseError struct {
	MailboxPath string
	UID         uint32
	Err         error
}

func (e *MessageParseError) Error() string {
	return fmt.Sprintf("parse message uid %d in %q: %v", e.UID, e.MailboxPath, e.Err)
}

func (e *MessageParseError) Unwrap() error {
	return e.Err
}
