package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/google/uuid"
)

// envelope is the header data of an outgoing message
type envelope struct {
	From    mail.Address
	To      mail.Address
	ReplyTo string
	Subject string
	Date    time.Time
}

// buildMessage constructs RFC 5322 message data
func buildMessage(env envelope, msg *delivery.Message) []byte {
	var buf bytes.Buffer

	// Headers
	fmt.Fprintf(&buf, "From: %s\r\n", env.From.String())
	fmt.Fprintf(&buf, "To: %s\r\n", env.To.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", env.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOf(env.From.Address))
	if env.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", env.ReplyTo)
	}
	if msg.CampaignID != "" {
		fmt.Fprintf(&buf, "X-Campaign-ID: %s\r\n", msg.CampaignID)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		writeAlternative(&buf, msg.Body)
		return buf.Bytes()
	}

	boundary := uuid.New().String()
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	writeAlternative(&buf, msg.Body)

	for _, a := range msg.Attachments {
		fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", mime.FormatMediaType(contentType, map[string]string{"name": a.Filename}))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: %s\r\n", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
		buf.WriteString("\r\n")
		writeBase64(&buf, a.Data)
	}

	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return buf.Bytes()
}

// writeAlternative writes a text/plain + text/html body part including its headers
func writeAlternative(buf *bytes.Buffer, body string) {
	text, htmlBody := bodies(body)

	boundary := uuid.New().String()
	fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	buf.WriteString("\r\n")

	// Plain text part
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("\r\n")
	writeBase64(buf, []byte(text))

	// HTML part
	fmt.Fprintf(buf, "\r\n--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("\r\n")
	writeBase64(buf, []byte(htmlBody))

	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
}

// bodies returns the plain text and HTML renditions of a campaign body
func bodies(body string) (text, htmlBody string) {
	if looksLikeHTML(body) {
		return stripTags(body), body
	}
	escaped := html.EscapeString(body)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return body, "<html><body>" + strings.ReplaceAll(escaped, "\n", "<br>\n") + "</body></html>"
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<p") ||
		strings.Contains(lower, "<br") || strings.Contains(lower, "</")
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(strings.TrimSpace(b.String()))
}

// writeBase64 writes data base64 encoded in 76 character lines
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return "localhost"
}
