package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// EmailAddress is one flattened {name, address} pair
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// NormalizedAttachment is one decoded attachment part
type NormalizedAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     []byte `json:"-"`
}

// NormalizedMessage is the structured form of one raw protocol message,
// produced once per message and owned by the caller after being yielded.
// It is never persisted by this core.
type NormalizedMessage struct {
	MessageID   string
	ThreadID    string
	From        []EmailAddress
	To          []EmailAddress
	Cc          []EmailAddress
	Bcc         []EmailAddress
	Subject     string
	Body        string
	HTMLBody    string
	Headers     string // raw header block
	Attachments []NormalizedAttachment
	ReceivedAt  time.Time
	Raw         []byte
	MailboxPath string
	UID         uint32
}

// Normalizer parses raw message bytes into NormalizedMessage values
type Normalizer struct{}

// NewNormalizer creates a new Normalizer instance
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Parse parses one raw message. A failure to make sense of the bytes is
// scoped to this message and reported as a *MessageParseError by the engine;
// it will not change on re-read and is never retried.
func (n *Normalizer) Parse(raw []byte, mailboxPath string, uid uint32) (*NormalizedMessage, error) {
	msg := &NormalizedMessage{
		Raw:         raw,
		MailboxPath: mailboxPath,
		UID:         uid,
		Headers:     rawHeaderBlock(raw),
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		// Some messages carry headers net/mail still accepts
		m, fallbackErr := netmail.ReadMessage(bytes.NewReader(raw))
		if fallbackErr != nil {
			return nil, fmt.Errorf("unreadable message: %v", err)
		}
		body, _ := io.ReadAll(m.Body)
		msg.Body = string(body)
		msg.Subject = m.Header.Get("Subject")
		msg.MessageID = strings.TrimSpace(m.Header.Get("Message-Id"))
		if date, dateErr := m.Header.Date(); dateErr == nil {
			msg.ReceivedAt = date
		}
	} else {
		header := mail.Header{Header: entity.Header}

		msg.Subject, _ = header.Subject()
		if date, dateErr := header.Date(); dateErr == nil {
			msg.ReceivedAt = date
		}
		if id, idErr := header.MessageID(); idErr == nil && id != "" {
			msg.MessageID = "<" + id + ">"
		}

		msg.From = flattenAddresses(header, "From")
		msg.To = flattenAddresses(header, "To")
		msg.Cc = flattenAddresses(header, "Cc")
		msg.Bcc = flattenAddresses(header, "Bcc")

		n.walkEntity(entity, msg)
	}

	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("uid:%d", uid)
	}
	msg.ThreadID = deriveThreadID(entity, msg.MessageID)

	return msg, nil
}

// flattenAddresses turns an address header (singular or list) into an
// ordered {name, address} sequence
func flattenAddresses(header mail.Header, key string) []EmailAddress {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		// Malformed lists still often parse with net/mail
		raw := header.Get(key)
		if raw == "" {
			return nil
		}
		parsed, parseErr := netmail.ParseAddressList(raw)
		if parseErr != nil {
			return nil
		}
		var out []EmailAddress
		for _, addr := range parsed {
			out = append(out, EmailAddress{Name: addr.Name, Address: addr.Address})
		}
		return out
	}

	var out []EmailAddress
	for _, addr := range list {
		out = append(out, EmailAddress{Name: addr.Name, Address: addr.Address})
	}
	return out
}

// deriveThreadID computes the conversation grouping key. Precedence is
// stable because downstream grouping depends on it:
//  1. Thread-Index header (Exchange conversation id)
//  2. first identifier in References (thread root)
//  3. In-Reply-To
//  4. the message's own Message-ID
//
// The chosen value is normalized (angle brackets stripped, trimmed,
// lowercased) and hashed so the id has a uniform shape.
func deriveThreadID(entity *message.Entity, messageID string) string {
	var root string

	if entity != nil {
		header := mail.Header{Header: entity.Header}
		if v := entity.Header.Get("Thread-Index"); v != "" {
			root = v
		} else if refs, err := header.MsgIDList("References"); err == nil && len(refs) > 0 {
			root = refs[0]
		} else if v := entity.Header.Get("In-Reply-To"); v != "" {
			root = v
		}
	}
	if root == "" {
		root = messageID
	}

	root = strings.ToLower(strings.Trim(strings.TrimSpace(root), "<>"))
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])
}

// rawHeaderBlock returns the verbatim header section of the raw message
func rawHeaderBlock(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return string(raw[:i])
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}

// walkEntity recursively collects body text, HTML and attachments
func (n *Normalizer) walkEntity(entity *message.Entity, msg *NormalizedMessage) {
	mediaType, params, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			n.walkEntity(part, msg)
		}
		return
	}

	disposition := entity.Header.Get("Content-Disposition")
	isAttachment := false
	var filename string

	if disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err == nil {
			// attachment, or inline with a filename, counts
			if dispType == "attachment" || (dispType == "inline" && dispParams["filename"] != "") {
				isAttachment = true
				filename = dispParams["filename"]
			}
		}
	}
	if params["name"] != "" {
		isAttachment = true
		if filename == "" {
			filename = params["name"]
		}
	}

	if !isAttachment {
		if mediaType == "text/plain" && msg.Body == "" {
			body, _ := io.ReadAll(entity.Body)
			msg.Body = string(body)
			return
		}
		if mediaType == "text/html" && msg.HTMLBody == "" {
			body, _ := io.ReadAll(entity.Body)
			msg.HTMLBody = string(body)
			return
		}
		// Non-text leaves without a disposition are still attachments
		if strings.HasPrefix(mediaType, "text/") || mediaType == "" {
			return
		}
		isAttachment = true
	}

	// Decode MIME encoded filenames (e.g. =?utf-8?B?...?=)
	if filename != "" {
		dec := new(mime.WordDecoder)
		if decoded, err := dec.DecodeHeader(filename); err == nil {
			filename = decoded
		}
	}

	content, _ := io.ReadAll(entity.Body)
	if len(content) == 0 {
		return
	}
	if filename == "" {
		filename = "attachment" + extensionFor(mediaType)
	}

	msg.Attachments = append(msg.Attachments, NormalizedAttachment{
		Filename:    filename,
		ContentType: mediaType,
		Size:        len(content),
		Content:     content,
	})
}

func extensionFor(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "." + strings.TrimPrefix(mediaType, "image/")
	case mediaType == "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
