package email

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mimetree"
	"github.com/nhle/mailsync/internal/provider"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var multipartRaw = crlf(`From: Alice <alice@example.com>
To: bob@example.com
Subject: Report
Message-ID: <m1@example.com>
References: <root@example.com> <m0@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

caf=E9
--inner
Content-Type: text/html; charset=utf-8

<p>caf&eacute;</p>
--inner--
--outer
Content-Type: application/pdf; name="a.pdf"
Content-Disposition: attachment; filename="a.pdf"
Content-Transfer-Encoding: base64

JVBERi0=
--outer--
`)

func TestParseRaw_Tree(t *testing.T) {
	root, err := parseRaw(multipartRaw)
	require.NoError(t, err)

	assert.Equal(t, "multipart/mixed", root.MimeType)
	assert.Equal(t, "Report", root.Header("Subject"))
	require.Len(t, root.Parts, 2)

	alt := root.Parts[0]
	assert.Equal(t, "multipart/alternative", alt.MimeType)
	require.Len(t, alt.Parts, 2)
	assert.Equal(t, "0.0.0", alt.Parts[0].PartID)

	att := root.Parts[1]
	assert.Equal(t, "a.pdf", att.Filename)
	assert.Equal(t, int64(5), att.Size)
}

func TestParseRaw_DecodesThroughMimeTree(t *testing.T) {
	root, err := parseRaw(multipartRaw)
	require.NoError(t, err)

	res := mimetree.Decode("INBOX:1", root)

	assert.Equal(t, "café", res.BodyText)
	assert.Equal(t, "<p>caf&eacute;</p>", res.BodyHTML)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "INBOX:1_0.1", res.Attachments[0].ID)
	assert.False(t, res.Malformed())
}

func TestParseRaw_SinglePartDefaultsToText(t *testing.T) {
	root, err := parseRaw(crlf("Subject: hi\n\nplain body\n"))
	require.NoError(t, err)

	assert.Equal(t, "text/plain", root.MimeType)
	b, err := provider.DecodeData(root.Data)
	require.NoError(t, err)
	assert.Equal(t, "plain body\r\n", string(b))
}

func TestSnippet(t *testing.T) {
	root, err := parseRaw(multipartRaw)
	require.NoError(t, err)
	assert.Equal(t, "café", snippet(root))

	htmlOnly := &provider.Part{
		MimeType: "text/html",
		Data:     provider.EncodeData([]byte("<p>Hello <b>world</b></p>")),
	}
	assert.Equal(t, "Hello world", snippet(htmlOnly))

	long := &provider.Part{
		MimeType: "text/plain",
		Data:     provider.EncodeData([]byte(strings.Repeat("word ", 100))),
	}
	assert.Len(t, []rune(snippet(long)), snippetLen)
}

func TestThreadID(t *testing.T) {
	root, err := parseRaw(multipartRaw)
	require.NoError(t, err)
	assert.Equal(t, "root@example.com", threadID(root))

	reply := &provider.Part{Headers: []provider.Header{
		{Name: "Message-ID", Value: "<r@example.com>"},
		{Name: "In-Reply-To", Value: "<parent@example.com>"},
	}}
	assert.Equal(t, "parent@example.com", threadID(reply))

	fresh := &provider.Part{Headers: []provider.Header{
		{Name: "Message-ID", Value: "<new@example.com>"},
	}}
	assert.Equal(t, "new@example.com", threadID(fresh))

	assert.Equal(t, "", threadID(&provider.Part{}))
}
