// Package mimetree walks a provider MIME part tree and extracts the plain
// text body, the HTML body and attachment metadata.
package mimetree

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/nhle/mailsync/internal/provider"
)

// MaxDepth bounds the walk. Subtrees below it are left unparsed.
const MaxDepth = 20

// AttachmentRef is one attachment found in the tree.
type AttachmentRef struct {
	// ID is the provider attachment id or the synthetic
	// {messageId}_{partPath}.
	ID       string
	PartPath string
	Filename string
	MimeType string
	Size     int64
}

// Result is what Decode recovered from a tree.
type Result struct {
	BodyText    string
	BodyHTML    string
	Attachments []AttachmentRef

	// Skipped counts parts whose payload could not be decoded.
	Skipped int

	// Truncated is set when the tree was deeper than MaxDepth.
	Truncated bool
}

// Malformed reports whether anything in the tree was left unparsed.
func (r Result) Malformed() bool {
	return r.Skipped > 0 || r.Truncated
}

type walker struct {
	messageID string
	res       Result
	haveText  bool
	haveHTML  bool
}

// Decode walks root depth-first. A nil root yields an empty Result.
// Undecodable parts are skipped; they never fail the whole message.
func Decode(messageID string, root *provider.Part) Result {
	w := &walker{messageID: messageID}
	if root != nil {
		w.walk(root, "0", 0)
	}
	return w.res
}

func (w *walker) walk(p *provider.Part, path string, depth int) {
	if depth > MaxDepth {
		w.res.Truncated = true
		return
	}

	mediaType := strings.ToLower(p.MimeType)

	if p.Filename != "" {
		w.res.Attachments = append(w.res.Attachments, w.attachment(p, path))
	} else if mediaType == "text/plain" && !w.haveText {
		if text, ok := w.text(p); ok {
			w.res.BodyText = text
			w.haveText = true
		}
	} else if mediaType == "text/html" && !w.haveHTML {
		if html, ok := w.text(p); ok {
			w.res.BodyHTML = html
			w.haveHTML = true
		}
	}

	for i, child := range p.Parts {
		if child == nil {
			continue
		}
		w.walk(child, path+"."+strconv.Itoa(i), depth+1)
	}
}

func (w *walker) attachment(p *provider.Part, path string) AttachmentRef {
	id := p.AttachmentID
	if id == "" {
		id = w.messageID + "_" + path
	}

	size := p.Size
	if size == 0 && p.Data != "" {
		if b, err := provider.DecodeData(p.Data); err == nil {
			size = int64(len(b))
		}
	}

	return AttachmentRef{
		ID:       id,
		PartPath: path,
		Filename: p.Filename,
		MimeType: p.MimeType,
		Size:     size,
	}
}

// text decodes a body part and converts it to UTF-8. An empty body is a
// valid (empty) text part.
func (w *walker) text(p *provider.Part) (string, bool) {
	if p.Data == "" {
		return "", true
	}

	raw, err := provider.DecodeData(p.Data)
	if err != nil {
		w.res.Skipped++
		return "", false
	}

	// An unknown charset still leaves usable bytes.
	decoded, err := toUTF8(raw, charsetOf(p))
	if err != nil {
		return string(raw), true
	}
	return decoded, true
}

// charsetOf returns the charset parameter of the part's Content-Type.
func charsetOf(p *provider.Part) string {
	ct := p.Header("Content-Type")
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func toUTF8(b []byte, label string) (string, error) {
	switch label {
	case "", "utf-8", "utf8", "us-ascii":
		return string(b), nil
	}
	r, err := charset.Reader(label, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("charset %q: %w", label, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decoding charset %q: %w", label, err)
	}
	return string(out), nil
}
