package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/nhle/mailsync/internal/provider"
)

const snippetLen = 200

// parseRaw parses an RFC 5322 message into the provider part tree.
// Transfer encodings are removed and text parts are converted to UTF-8
// (their Content-Type is rewritten to say so). A part that fails to
// parse keeps its headers and loses its body.
func parseRaw(raw []byte) (*provider.Part, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return partFromEntity(entity, "0", message.IsUnknownCharset(err)), nil
}

// partFromEntity converts e and its children. rawCharset marks a body
// left in its declared charset because the charset was unknown.
func partFromEntity(e *message.Entity, path string, rawCharset bool) *provider.Part {
	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	p := &provider.Part{
		PartID:   path,
		MimeType: mediaType,
	}

	converted := strings.HasPrefix(mediaType, "text/") && params["charset"] != "" && !rawCharset
	fields := e.Header.Fields()
	for fields.Next() {
		p.Headers = append(p.Headers, provider.Header{Name: fields.Key(), Value: fields.Value()})
	}

	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		if disp == "attachment" || dparams["filename"] != "" {
			p.Filename = dparams["filename"]
		}
	}
	if p.Filename == "" && !strings.HasPrefix(mediaType, "multipart/") && !strings.HasPrefix(mediaType, "text/") {
		p.Filename = params["name"]
	}

	if mr := e.MultipartReader(); mr != nil {
		for i := 0; ; i++ {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && child == nil {
				break
			}
			p.Parts = append(p.Parts, partFromEntity(child, path+"."+strconv.Itoa(i), message.IsUnknownCharset(err)))
		}
		return p
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return p
	}
	p.Size = int64(len(body))
	p.Data = provider.EncodeData(body)

	if converted {
		params["charset"] = "utf-8"
		for i := range p.Headers {
			if strings.EqualFold(p.Headers[i].Name, "Content-Type") {
				p.Headers[i].Value = mime.FormatMediaType(mediaType, params)
			}
		}
	}
	return p
}

// snippet builds a short plain-text preview, preferring the text part
// and falling back to the HTML part rendered as text.
func snippet(root *provider.Part) string {
	var plain, html string
	walkParts(root, func(p *provider.Part) {
		if p.Filename != "" || p.Data == "" {
			return
		}
		b, err := provider.DecodeData(p.Data)
		if err != nil {
			return
		}
		switch {
		case p.MimeType == "text/plain" && plain == "":
			plain = string(b)
		case p.MimeType == "text/html" && html == "":
			html = string(b)
		}
	})

	s := plain
	if s == "" && html != "" {
		s = html2text.HTML2Text(html)
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > snippetLen {
		s = string(r[:snippetLen])
	}
	return s
}

func walkParts(p *provider.Part, fn func(*provider.Part)) {
	if p == nil {
		return
	}
	fn(p)
	for _, c := range p.Parts {
		walkParts(c, fn)
	}
}

// threadID derives a stable conversation id from the message headers:
// the first References entry, else In-Reply-To, else the message's own
// Message-ID. An empty result means the caller should fall back to the
// provider id.
func threadID(root *provider.Part) string {
	h := mail.Header{}
	for _, hd := range root.Headers {
		h.Add(hd.Name, hd.Value)
	}
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if irt, err := h.MsgIDList("In-Reply-To"); err == nil && len(irt) > 0 {
		return irt[0]
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return ""
}
