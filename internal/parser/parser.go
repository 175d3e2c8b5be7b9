// Package parser turns raw RFC 5322 messages into normalized records.
package parser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"onebox/internal/model"
)

const (
	DefaultSubject = "No Subject"
	generatedHost  = "onebox.local"
)

// ErrMalformed is returned when the message header block cannot be read.
var ErrMalformed = errors.New("malformed message")

type Parsed struct {
	MessageID   string
	Subject     string
	From        model.Address
	To          []model.Address
	Cc          []model.Address
	Date        time.Time
	Body        model.Body
	Attachments []model.Attachment
}

// Parse decodes raw. arrivedAt is the server arrival time and is used for
// the date when the header has none and for synthesized message ids.
func Parse(raw []byte, arrivedAt time.Time) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	header := mail.Header{Header: message.Header{Header: th}}

	p := &Parsed{
		MessageID:   messageID(header, raw, arrivedAt),
		Subject:     subject(header),
		From:        firstAddress(header, "From"),
		To:          addressList(header, "To"),
		Cc:          addressList(header, "Cc"),
		Date:        arrivedAt,
		Attachments: []model.Attachment{},
	}
	if d, err := header.Date(); err == nil && !d.IsZero() {
		p.Date = d
	}

	parseBody(p, header, br)

	if p.Body.Text == "" && p.Body.HTML != "" {
		p.Body.Text = StripHTML(p.Body.HTML)
	}
	return p, nil
}

// SyntheticMessageID builds the id used for messages without a Message-ID
// header. It is stable for identical input.
func SyntheticMessageID(raw []byte, arrivedAt time.Time) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("generated-%d-%s@%s", arrivedAt.UnixMilli(), hex.EncodeToString(sum[:4]), generatedHost)
}

func messageID(h mail.Header, raw []byte, arrivedAt time.Time) string {
	id, err := h.MessageID()
	if err != nil || strings.TrimSpace(id) == "" {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if id == "" {
		return SyntheticMessageID(raw, arrivedAt)
	}
	return id
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		s = h.Get("Subject")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSubject
	}
	return s
}

func addressList(h mail.Header, key string) []model.Address {
	out := []model.Address{}
	list, err := h.AddressList(key)
	if err != nil {
		// 地址格式不规范时退回到逐项解析
		for _, part := range strings.Split(h.Get(key), ",") {
			if a, perr := mail.ParseAddress(strings.TrimSpace(part)); perr == nil && a.Address != "" {
				out = append(out, model.Address{Name: a.Name, Address: a.Address})
			}
		}
		return out
	}
	for _, a := range list {
		if a == nil || strings.TrimSpace(a.Address) == "" {
			continue
		}
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func firstAddress(h mail.Header, key string) model.Address {
	list := addressList(h, key)
	if len(list) == 0 {
		return model.Address{}
	}
	return list[0]
}

func parseBody(p *Parsed, h mail.Header, body io.Reader) {
	entity, err := message.New(h.Header, body)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		if rest, readErr := io.ReadAll(body); readErr == nil {
			p.Body.Text = strings.TrimSpace(string(rest))
		}
		return
	}

	mr := mail.NewReader(entity)
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return
		}
		if part == nil {
			return
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := ph.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			if !strings.HasPrefix(contentType, "text/") {
				// inline 图片等非文本部分按附件记录
				p.Attachments = append(p.Attachments, attachment(params["name"], contentType, part.Body))
				continue
			}
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case contentType == "text/html" && p.Body.HTML == "":
				p.Body.HTML = SanitizeHTML(string(content))
			case contentType != "text/html" && p.Body.Text == "":
				p.Body.Text = strings.TrimSpace(string(content))
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			p.Attachments = append(p.Attachments, attachment(filename, contentType, part.Body))
		}
	}
}

func attachment(name, contentType string, body io.Reader) model.Attachment {
	size, _ := io.Copy(io.Discard, body)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return model.Attachment{Filename: name, ContentType: contentType, Size: size}
}
