package services

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func threadIDOf(root string) string {
	root = strings.ToLower(strings.Trim(strings.TrimSpace(root), "<>"))
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])
}

func TestParsePlainTextMessage(t *testing.T) {
	raw := crlf(
		"Message-ID: <abc@example.org>",
		"From: Alice Example <alice@example.org>",
		"To: Bob <bob@example.org>, carol@example.org",
		"Cc: Dave <dave@example.org>",
		"Subject: Quarterly report",
		"Date: Tue, 02 Apr 2024 10:30:00 +0200",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please find the numbers below.",
	)

	n := NewNormalizer()
	msg, err := n.Parse(raw, "INBOX", 42)
	require.NoError(t, err)

	assert.Equal(t, "INBOX", msg.MailboxPath)
	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, "<abc@example.org>", msg.MessageID)
	assert.Equal(t, "Quarterly report", msg.Subject)
	assert.Equal(t, []EmailAddress{{Name: "Alice Example", Address: "alice@example.org"}}, msg.From)
	assert.Equal(t, []EmailAddress{
		{Name: "Bob", Address: "bob@example.org"},
		{Name: "", Address: "carol@example.org"},
	}, msg.To)
	assert.Equal(t, []EmailAddress{{Name: "Dave", Address: "dave@example.org"}}, msg.Cc)
	assert.Equal(t, "Please find the numbers below.", strings.TrimSpace(msg.Body))
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Attachments)

	expected := time.Date(2024, 4, 2, 10, 30, 0, 0, time.FixedZone("", 2*3600))
	assert.True(t, msg.ReceivedAt.Equal(expected))

	assert.True(t, strings.HasPrefix(msg.Headers, "Message-ID: <abc@example.org>"))
	assert.NotContains(t, msg.Headers, "Please find")
	assert.Equal(t, raw, msg.Raw)
}

func TestParseMultipartWithAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake content")
	raw := crlf(
		"Message-ID: <mp@example.org>",
		"From: alice@example.org",
		"To: bob@example.org",
		"Subject: With attachment",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=OUTER",
		"",
		"--OUTER",
		"Content-Type: multipart/alternative; boundary=INNER",
		"",
		"--INNER",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body",
		"--INNER",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--INNER--",
		"--OUTER",
		"Content-Type: application/pdf; name=report.pdf",
		"Content-Disposition: attachment; filename=report.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString(pdf),
		"--OUTER--",
	)

	n := NewNormalizer()
	msg, err := n.Parse(raw, "INBOX", 1)
	require.NoError(t, err)

	assert.Equal(t, "plain body", strings.TrimSpace(msg.Body))
	assert.Equal(t, "<p>html body</p>", strings.TrimSpace(msg.HTMLBody))

	require.Len(t, msg.Attachments, 1)
	attachment := msg.Attachments[0]
	assert.Equal(t, "report.pdf", attachment.Filename)
	assert.Equal(t, "application/pdf", attachment.ContentType)
	assert.Equal(t, pdf, attachment.Content)
	assert.Equal(t, len(pdf), attachment.Size)
}

func TestParseDecodesEncodedFilename(t *testing.T) {
	encoded := "=?utf-8?B?" + base64.StdEncoding.EncodeToString([]byte("Bericht März.pdf")) + "?="
	raw := crlf(
		"From: alice@example.org",
		"Subject: umlaut filename",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=B",
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"hi",
		"--B",
		"Content-Type: application/pdf",
		fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"", encoded),
		"",
		"%PDF-1.4",
		"--B--",
	)

	n := NewNormalizer()
	msg, err := n.Parse(raw, "INBOX", 1)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Bericht März.pdf", msg.Attachments[0].Filename)
}

func TestThreadIDPrecedence(t *testing.T) {
	base := []string{
		"From: alice@example.org",
		"Subject: threading",
		"Content-Type: text/plain",
	}
	build := func(extra ...string) []byte {
		lines := append(append([]string{"Message-ID: <self@example.org>"}, base...), extra...)
		return crlf(append(lines, "", "body")...)
	}

	n := NewNormalizer()

	t.Run("thread-index wins over everything", func(t *testing.T) {
		msg, err := n.Parse(build(
			"Thread-Index: AdGvXyz=",
			"References: <root@example.org> <mid@example.org>",
			"In-Reply-To: <mid@example.org>",
		), "INBOX", 1)
		require.NoError(t, err)
		assert.Equal(t, threadIDOf("AdGvXyz="), msg.ThreadID)
	})

	t.Run("first references entry is the thread root", func(t *testing.T) {
		msg, err := n.Parse(build(
			"References: <root@example.org> <mid@example.org>",
			"In-Reply-To: <mid@example.org>",
		), "INBOX", 1)
		require.NoError(t, err)
		assert.Equal(t, threadIDOf("root@example.org"), msg.ThreadID)
	})

	t.Run("in-reply-to when no references", func(t *testing.T) {
		msg, err := n.Parse(build("In-Reply-To: <parent@example.org>"), "INBOX", 1)
		require.NoError(t, err)
		assert.Equal(t, threadIDOf("parent@example.org"), msg.ThreadID)
	})

	t.Run("own message-id starts a new thread", func(t *testing.T) {
		msg, err := n.Parse(build(), "INBOX", 1)
		require.NoError(t, err)
		assert.Equal(t, threadIDOf("self@example.org"), msg.ThreadID)
	})

	t.Run("normalization makes replies land in the same thread", func(t *testing.T) {
		reply, err := n.Parse(build("References:   <ROOT@Example.Org>  "), "INBOX", 2)
		require.NoError(t, err)
		root, err := n.Parse(crlf(append([]string{"Message-ID: <root@example.org>"}, append(base, "", "body")...)...), "INBOX", 1)
		require.NoError(t, err)
		assert.Equal(t, root.ThreadID, reply.ThreadID)
	})
}

func TestParseFallsBackToUIDMessageID(t *testing.T) {
	raw := crlf(
		"From: alice@example.org",
		"Subject: no message id",
		"Content-Type: text/plain",
		"",
		"body",
	)

	n := NewNormalizer()
	msg, err := n.Parse(raw, "Sent", 77)
	require.NoError(t, err)
	assert.Equal(t, "uid:77", msg.MessageID)
	assert.NotEmpty(t, msg.ThreadID)
}

func TestParseRejectsGarbage(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Parse([]byte("\x00\x00 this is not a message"), "INBOX", 1)
	assert.Error(t, err)
}

func TestParseMalformedAddressList(t *testing.T) {
	raw := crlf(
		"Message-ID: <m@example.org>",
		"From: \"Ops, Team\" <ops@example.org>",
		"To: undisclosed-recipients:;",
		"Subject: odd addresses",
		"Content-Type: text/plain",
		"",
		"body",
	)

	n := NewNormalizer()
	msg, err := n.Parse(raw, "INBOX", 1)
	require.NoError(t, err, "address oddities never fail the whole message")
	assert.Equal(t, []EmailAddress{{Name: "Ops, Team", Address: "ops@example.org"}}, msg.From)
}
