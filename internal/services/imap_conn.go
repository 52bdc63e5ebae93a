package services

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	id "github.com/emersion/go-imap-id"
)

const (
	connectionTimeout = 10 * time.Second
	commandTimeout    = 5 * time.Minute
)

// authMethod is the credential variant resolved once when the connection
// parameters are constructed: either a stored password or a bearer token.
type authMethod interface {
	authenticate(c *client.Client, username string) error
}

// passwordAuth performs a plain LOGIN
type passwordAuth struct {
	password string
}

func (a passwordAuth) authenticate(c *client.Client, username string) error {
	if err := c.Login(username, a.password); err != nil {
		return fmt.Errorf("%w: login failed: %v", ErrIMAPConnectionFailed, err)
	}
	return nil
}

// bearerAuth performs SASL XOAUTH2 with an access token
type bearerAuth struct {
	token string
}

func (a bearerAuth) authenticate(c *client.Client, username string) error {
	if err := c.Authenticate(newXOAuth2Client(username, a.token)); err != nil {
		return fmt.Errorf("%w: XOAUTH2 authentication failed: %v", ErrIMAPConnectionFailed, err)
	}
	return nil
}

// xoAuth2Client implements the SASL XOAUTH2 mechanism
type xoAuth2Client struct {
	username    string
	accessToken string
}

func newXOAuth2Client(username, accessToken string) *xoAuth2Client {
	return &xoAuth2Client{username: username, accessToken: accessToken}
}

// Start begins the XOAUTH2 authentication.
// Initial response format: "user=" + user + "\x01auth=Bearer " + token + "\x01\x01"
func (c *xoAuth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

// Next handles server challenges (XOAUTH2 doesn't have additional challenges)
func (c *xoAuth2Client) Next(challenge []byte) (response []byte, err error) {
	return nil, nil
}

// protocolConn is the slice of the mailbox protocol the sync engine drives.
// The live implementation wraps a go-imap client; tests substitute a fake
// server behind the same interface.
type protocolConn interface {
	// ListMailboxes returns all mailboxes visible to the account
	ListMailboxes() ([]*imap.MailboxInfo, error)
	// Select opens a mailbox and returns its status
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	// FetchUIDRange streams messages with UIDs in [from, to] to ch,
	// requesting envelope, body structure and peeked raw source. The
	// implementation closes ch when the fetch completes. The channel is
	// bidirectional because go-imap's UidFetch requires one.
	FetchUIDRange(from, to uint32, ch chan *imap.Message) error
	// Logout cleanly ends the session
	Logout() error
}

// liveConn adapts *client.Client to protocolConn
type liveConn struct {
	c *client.Client
}

func (l *liveConn) ListMailboxes() ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- l.c.List("", "*", ch)
	}()

	var mailboxes []*imap.MailboxInfo
	for info := range ch {
		mailboxes = append(mailboxes, info)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return mailboxes, nil
}

func (l *liveConn) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	return l.c.Select(name, readOnly)
}

func (l *liveConn) FetchUIDRange(from, to uint32, ch chan *imap.Message) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchBodyStructure, section.FetchItem()}

	return l.c.UidFetch(seqSet, items, ch)
}

func (l *liveConn) Logout() error {
	return l.c.Logout()
}

// ConnectParams carries everything needed to open one authenticated session
type ConnectParams struct {
	Host     string
	Port     int
	UseSSL   bool
	Username string
	Auth     authMethod
}

// PasswordAuth builds the plain-credential variant
func PasswordAuth(password string) authMethod {
	return passwordAuth{password: password}
}

// BearerAuth builds the bearer-token variant
func BearerAuth(token string) authMethod {
	return bearerAuth{token: token}
}

// dialIMAP opens, identifies and authenticates a new protocol session
func dialIMAP(params ConnectParams) (protocolConn, error) {
	addr := fmt.Sprintf("%s:%d", params.Host, params.Port)
	dialer := &net.Dialer{Timeout: connectionTimeout}

	var c *client.Client
	if params.UseSSL {
		tlsConfig := &tls.Config{ServerName: params.Host}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIMAPConnectionFailed, err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrIMAPConnectionFailed, err)
		}
	} else {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIMAPConnectionFailed, err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrIMAPConnectionFailed, err)
		}
	}

	// Large mailboxes take a while to enumerate
	c.Timeout = commandTimeout

	// Some servers require client identification before login
	if ok, _ := c.Support("ID"); ok {
		idClient := id.NewClient(c)
		_, _ = idClient.ID(id.ID{
			id.FieldName:    "OpenArchiver",
			id.FieldVersion: "1.0.0",
			id.FieldVendor:  "OpenArchiver",
		})
	}

	if err := params.Auth.authenticate(c, params.Username); err != nil {
		c.Logout()
		return nil, err
	}

	return &liveConn{c: c}, nil
}
