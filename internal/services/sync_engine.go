package services

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/sorglos123/OpenArchiver/internal/database/models"
)

const (
	// DefaultBatchSize bounds peak memory and keeps single fetch requests
	// below what rate-limiting servers reject
	DefaultBatchSize = 250
	// DefaultMaxAttempts is the retry ceiling for protocol operations
	DefaultMaxAttempts = 5
)

// ParsePolicy decides what a single malformed message does to the rest of
// its mailbox
type ParsePolicy string

const (
	// ParsePolicyAbort ends the mailbox's fetch loop on the first
	// malformed message (default)
	ParsePolicyAbort ParsePolicy = "abort"
	// ParsePolicySkip logs the malformed message and continues
	ParsePolicySkip ParsePolicy = "skip"
)

// engineState tracks the per-cycle connection lifecycle
type engineState int

const (
	stateDisconnected engineState = iota
	stateConnecting
	stateConnected
	stateFetching
	stateErrorBackoff
)

// SyncConfig configures one sync engine instance
type SyncConfig struct {
	Host        string
	Port        int
	UseSSL      bool
	Username    string
	ArchiveAll  bool // include Junk/Trash mailboxes
	BatchSize   int
	MaxAttempts int
	ParsePolicy ParsePolicy
}

// CredentialProvider resolves the auth variant at connect time: a decrypted
// password, or a bearer token obtained through OAuthFlow.ResolveAccessToken.
// It is invoked again on every reconnect so a refreshed token is picked up.
type CredentialProvider func() (authMethod, error)

// SyncResult is handed back to the caller at the end of a cycle for
// persistence
type SyncResult struct {
	CycleID string
	// Positions maps mailbox path to the highest UID yielded this cycle
	// (including carried-over marks for mailboxes with no new mail)
	Positions map[string]uint32
	// StatusNote accumulates human-readable notes about isolated
	// per-mailbox failures
	StatusNote string
	// Yielded is the number of messages handed to the caller
	Yielded int
}

// callerAbort wraps an error returned by the yield callback; it aborts the
// whole cycle instead of being isolated to one mailbox
type callerAbort struct {
	err error
}

func (e *callerAbort) Error() string { return e.err.Error() }
func (e *callerAbort) Unwrap() error { return e.err }

// SyncEngine owns the protocol connection lifecycle for one ingestion
// source: mailbox enumeration and filtering, the incremental fetch loop,
// the retry policy, and message normalization. One engine runs one cycle at
// a time; concurrency across sources is the caller's concern.
type SyncEngine struct {
	cfg         SyncConfig
	credentials CredentialProvider
	normalizer  *Normalizer
	logService  *LogService
	userID      uint

	dial     func(ConnectParams) (protocolConn, error)
	conn     protocolConn
	selected string
	state    engineState

	sleep  func(time.Duration)
	jitter func() time.Duration
}

// NewSyncEngine creates a new SyncEngine instance
func NewSyncEngine(cfg SyncConfig, credentials CredentialProvider, logService *LogService, userID uint) *SyncEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ParsePolicy == "" {
		cfg.ParsePolicy = ParsePolicyAbort
	}
	return &SyncEngine{
		cfg:         cfg,
		credentials: credentials,
		normalizer:  NewNormalizer(),
		logService:  logService,
		userID:      userID,
		dial:        dialIMAP,
		sleep:       time.Sleep,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
		state: stateDisconnected,
	}
}

// Run executes one sync cycle. positions holds the persisted high-water
// marks; yield is called once per new message, in ascending UID order within
// each mailbox, mailboxes in enumeration order. Returning an error from
// yield stops the cycle. The protocol session is released on every exit
// path, including early termination.
func (e *SyncEngine) Run(positions map[string]uint32, yield func(*NormalizedMessage) error) (result *SyncResult, err error) {
	result = &SyncResult{
		CycleID:   uuid.NewString(),
		Positions: make(map[string]uint32, len(positions)),
	}
	for path, uid := range positions {
		result.Positions[path] = uid
	}

	defer e.disconnect()

	var mailboxes []string
	listErr := e.withRetry(func(conn protocolConn) error {
		infos, err := conn.ListMailboxes()
		if err != nil {
			return err
		}
		mailboxes = e.filterMailboxes(infos)
		return nil
	})
	if listErr != nil {
		return result, fmt.Errorf("list mailboxes: %w", listErr)
	}

	var notes []string
	for _, path := range mailboxes {
		mailboxErr := e.syncMailbox(path, result, yield)
		if mailboxErr == nil {
			continue
		}

		var abort *callerAbort
		if errors.As(mailboxErr, &abort) {
			result.StatusNote = strings.Join(notes, "; ")
			return result, abort.err
		}

		// Per-mailbox error isolation: one misbehaving mailbox must not
		// block archival of the rest of the account.
		log.Printf("[SyncEngine] cycle %s: mailbox %q failed: %v", result.CycleID, path, mailboxErr)
		e.logService.LogWarn(e.userID, models.LogModuleSync, "mailbox_failed", "Mailbox sync paused", map[string]interface{}{
			"cycle_id": result.CycleID,
			"mailbox":  path,
			"error":    mailboxErr.Error(),
		})
		notes = append(notes, statusNoteFor(path, mailboxErr))
	}

	result.StatusNote = strings.Join(notes, "; ")
	return result, nil
}

// statusNoteFor renders an isolated mailbox failure as a note the caller can
// surface to the user
func statusNoteFor(path string, err error) string {
	var parseErr *MessageParseError
	if errors.As(err, &parseErr) {
		return fmt.Sprintf("mailbox %q paused on a message that could not be parsed (uid %d) — remaining messages will be retried next cycle", path, parseErr.UID)
	}
	return fmt.Sprintf("mailbox %q paused due to repeated errors — will resume automatically", path)
}

// filterMailboxes drops non-selectable mailboxes and, unless the
// archive-everything override is set, anything the server flags as Trash or
// Junk. Enumeration order is preserved.
func (e *SyncEngine) filterMailboxes(infos []*imap.MailboxInfo) []string {
	var paths []string
	for _, info := range infos {
		selectable := true
		excluded := false
		for _, attr := range info.Attributes {
			switch attr {
			case imap.NoSelectAttr:
				selectable = false
			case imap.TrashAttr, imap.JunkAttr:
				excluded = true
			}
		}
		if !selectable {
			continue
		}
		if excluded && !e.cfg.ArchiveAll {
			continue
		}
		paths = append(paths, info.Name)
	}
	return paths
}

// syncMailbox incrementally fetches (lastUid, currentMax] for one mailbox in
// fixed-size batches, yielding normalized messages in ascending UID order.
// result.Positions[path] only ever advances over yielded (or, under the skip
// policy, skipped) UIDs.
func (e *SyncEngine) syncMailbox(path string, result *SyncResult, yield func(*NormalizedMessage) error) error {
	var currentMax uint32
	err := e.withRetry(func(conn protocolConn) error {
		status, err := conn.Select(path, true)
		if err != nil {
			return err
		}
		e.selected = path
		// UIDNEXT is the next UID the server will assign, so everything
		// currently in the mailbox is at or below UIDNEXT-1.
		if status.UidNext > 0 {
			currentMax = status.UidNext - 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	lastUID := result.Positions[path]
	if currentMax <= lastUID {
		return nil
	}

	batchSize := uint32(e.cfg.BatchSize)
	for low := lastUID + 1; low <= currentMax; {
		high := low + batchSize - 1
		if high > currentMax || high < low {
			high = currentMax
		}

		err := e.withRetry(func(conn protocolConn) error {
			return e.fetchBatch(conn, path, low, high, result, yield)
		})
		if err != nil {
			return err
		}

		if high == currentMax {
			break
		}
		low = high + 1
	}

	return nil
}

// fetchBatch fetches one UID range and yields its messages. Re-entry after a
// retry skips everything at or below the already-advanced position.
func (e *SyncEngine) fetchBatch(conn protocolConn, path string, low, high uint32, result *SyncResult, yield func(*NormalizedMessage) error) error {
	if err := e.ensureSelected(conn, path); err != nil {
		return err
	}

	e.state = stateFetching

	ch := make(chan *imap.Message, e.cfg.BatchSize)
	done := make(chan error, 1)
	go func() {
		done <- conn.FetchUIDRange(low, high, ch)
	}()

	var fetched []*imap.Message
	for msg := range ch {
		if msg == nil {
			continue
		}
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		return err
	}

	// Servers are not required to stream in UID order; the ordering
	// guarantee to the caller is ours to keep.
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Uid < fetched[j].Uid })

	for _, msg := range fetched {
		if msg.Uid <= result.Positions[path] {
			continue
		}

		normalized, err := e.normalizeFetched(msg, path)
		if err != nil {
			parseErr := &MessageParseError{MailboxPath: path, UID: msg.Uid, Err: err}
			if e.cfg.ParsePolicy == ParsePolicySkip {
				log.Printf("[SyncEngine] skipping unparseable message: %v", parseErr)
				result.Positions[path] = msg.Uid
				continue
			}
			return parseErr
		}

		if err := yield(normalized); err != nil {
			return &callerAbort{err: err}
		}
		result.Positions[path] = msg.Uid
		result.Yielded++
	}

	return nil
}

// normalizeFetched turns one fetched protocol message into its normalized
// form, falling back to envelope data where the raw source is unavailable
func (e *SyncEngine) normalizeFetched(msg *imap.Message, path string) (*NormalizedMessage, error) {
	var raw []byte
	for _, literal := range msg.Body {
		content, err := io.ReadAll(literal)
		if err == nil && len(content) > 0 {
			raw = content
			break
		}
	}

	if len(raw) == 0 {
		if msg.Envelope == nil {
			return nil, errors.New("no body literal and no envelope")
		}
		return envelopeOnlyMessage(msg, path), nil
	}

	normalized, err := e.normalizer.Parse(raw, path, msg.Uid)
	if err != nil {
		return nil, err
	}
	applyEnvelope(normalized, msg.Envelope)
	return normalized, nil
}

// envelopeOnlyMessage builds the minimal normalized form for messages whose
// raw source the server withheld
func envelopeOnlyMessage(msg *imap.Message, path string) *NormalizedMessage {
	normalized := &NormalizedMessage{
		MailboxPath: path,
		UID:         msg.Uid,
	}
	applyEnvelope(normalized, msg.Envelope)
	if normalized.MessageID == "" {
		normalized.MessageID = fmt.Sprintf("uid:%d", msg.Uid)
	}
	if normalized.ThreadID == "" {
		normalized.ThreadID = deriveThreadID(nil, normalized.MessageID)
	}
	return normalized
}

// applyEnvelope fills gaps the raw parse left with protocol envelope data
func applyEnvelope(normalized *NormalizedMessage, envelope *imap.Envelope) {
	if envelope == nil {
		return
	}
	if normalized.MessageID == "" || strings.HasPrefix(normalized.MessageID, "uid:") {
		if envelope.MessageId != "" {
			normalized.MessageID = envelope.MessageId
		}
	}
	if normalized.Subject == "" {
		normalized.Subject = envelope.Subject
	}
	if normalized.ReceivedAt.IsZero() {
		normalized.ReceivedAt = envelope.Date
	}
	if len(normalized.From) == 0 {
		normalized.From = flattenIMAPAddresses(envelope.From)
	}
	if len(normalized.To) == 0 {
		normalized.To = flattenIMAPAddresses(envelope.To)
	}
	if len(normalized.Cc) == 0 {
		normalized.Cc = flattenIMAPAddresses(envelope.Cc)
	}
	if len(normalized.Bcc) == 0 {
		normalized.Bcc = flattenIMAPAddresses(envelope.Bcc)
	}
}

// flattenIMAPAddresses converts protocol address structures to the uniform
// {name, address} sequence
func flattenIMAPAddresses(addrs []*imap.Address) []EmailAddress {
	var out []EmailAddress
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		out = append(out, EmailAddress{
			Name:    addr.PersonalName,
			Address: fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName),
		})
	}
	return out
}

// withRetry wraps a protocol operation with the backoff policy: up to
// MaxAttempts attempts, a fresh connection after each failure, and a delay
// of 2^attempt seconds plus up to one second of jitter before each retry.
// Parse failures, caller aborts and credential failures are terminal
// immediately; malformed input will not change on re-read, and a rejected
// refresh token stays rejected until the user re-authenticates.
func (e *SyncEngine) withRetry(op func(protocolConn) error) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.state = stateErrorBackoff
			delay := time.Duration(1<<uint(attempt))*time.Second + e.jitter()
			log.Printf("[SyncEngine] retry %d/%d in %v after error: %v", attempt, e.cfg.MaxAttempts-1, delay, lastErr)
			e.sleep(delay)
		}

		conn, err := e.connection()
		if err != nil {
			if isTerminalCredentialError(err) {
				return err
			}
			lastErr = err
			e.discard()
			continue
		}

		if err := op(conn); err != nil {
			lastErr = err

			var parseErr *MessageParseError
			if errors.As(err, &parseErr) {
				return err
			}
			var abort *callerAbort
			if errors.As(err, &abort) {
				return err
			}

			// The transport may be in an unknown state; force a fresh
			// connection object for the next attempt.
			e.discard()
			continue
		}
		return nil
	}
	return lastErr
}

// isTerminalCredentialError reports whether a credential resolution failure
// cannot be cured by reconnecting. Replaying a rejected refresh grant against
// the provider would only burn the remaining attempts.
func isTerminalCredentialError(err error) bool {
	return errors.Is(err, ErrRefreshRejected) ||
		errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrAuthExchange)
}

// connection returns the current session, opening one if needed. A session
// is reused across operations within a cycle while it stays usable.
func (e *SyncEngine) connection() (protocolConn, error) {
	if e.conn != nil {
		return e.conn, nil
	}

	e.state = stateConnecting
	auth, err := e.credentials()
	if err != nil {
		e.state = stateDisconnected
		return nil, err
	}

	conn, err := e.dial(ConnectParams{
		Host:     e.cfg.Host,
		Port:     e.cfg.Port,
		UseSSL:   e.cfg.UseSSL,
		Username: e.cfg.Username,
		Auth:     auth,
	})
	if err != nil {
		e.state = stateDisconnected
		return nil, err
	}

	e.conn = conn
	e.selected = ""
	e.state = stateConnected
	return conn, nil
}

// ensureSelected opens the mailbox unless the current session already has it
// selected; a reconnect clears the selection and forces a re-open here
func (e *SyncEngine) ensureSelected(conn protocolConn, path string) error {
	if e.selected == path {
		return nil
	}
	if _, err := conn.Select(path, true); err != nil {
		return err
	}
	e.selected = path
	return nil
}

// discard drops a possibly-corrupt connection without a protocol goodbye
func (e *SyncEngine) discard() {
	e.conn = nil
	e.selected = ""
	e.state = stateDisconnected
}

// disconnect cleanly ends the session if one is open
func (e *SyncEngine) disconnect() {
	if e.conn != nil {
		_ = e.conn.Logout()
		e.conn = nil
	}
	e.selected = ""
	e.state = stateDisconnected
}
