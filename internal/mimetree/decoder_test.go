package mimetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/provider"
)

func data(s string) string {
	return provider.EncodeData([]byte(s))
}

func TestDecode_PlainTextOnly(t *testing.T) {
	root := &provider.Part{
		MimeType: "text/plain",
		Data:     data("Hello,\nthis is the body.\n"),
	}

	res := Decode("m1", root)

	assert.Equal(t, "Hello,\nthis is the body.\n", res.BodyText)
	assert.Equal(t, "", res.BodyHTML)
	assert.Empty(t, res.Attachments)
	assert.False(t, res.Malformed())
}

func TestDecode_AlternativeWithAttachments(t *testing.T) {
	root := &provider.Part{
		MimeType: "multipart/mixed",
		Parts: []*provider.Part{
			{
				MimeType: "multipart/alternative",
				Parts: []*provider.Part{
					{MimeType: "text/plain", Data: data("plain one")},
					{MimeType: "text/html", Data: data("<p>html one</p>")},
				},
			},
			{MimeType: "text/plain", Data: data("second plain is ignored")},
			{
				MimeType:     "application/pdf",
				Filename:     "invoice.pdf",
				AttachmentID: "att-123",
				Size:         2048,
			},
			{
				MimeType: "text/plain",
				Filename: "notes.txt",
				Data:     data("12345"),
			},
		},
	}

	res := Decode("m42", root)

	assert.Equal(t, "plain one", res.BodyText)
	assert.Equal(t, "<p>html one</p>", res.BodyHTML)
	require.Len(t, res.Attachments, 2)

	assert.Equal(t, AttachmentRef{
		ID:       "att-123",
		PartPath: "0.2",
		Filename: "invoice.pdf",
		MimeType: "application/pdf",
		Size:     2048,
	}, res.Attachments[0])

	// No provider id: synthesized from the part path, size from the data.
	assert.Equal(t, "m42_0.3", res.Attachments[1].ID)
	assert.Equal(t, "0.3", res.Attachments[1].PartPath)
	assert.Equal(t, int64(5), res.Attachments[1].Size)
}

func TestDecode_SyntheticIDsAreStable(t *testing.T) {
	root := &provider.Part{
		MimeType: "multipart/mixed",
		Parts: []*provider.Part{
			{MimeType: "image/png", Filename: "a.png"},
			{MimeType: "image/png", Filename: "a.png"},
		},
	}

	first := Decode("m1", root)
	second := Decode("m1", root)

	assert.Equal(t, first.Attachments, second.Attachments)
	assert.NotEqual(t, first.Attachments[0].ID, first.Attachments[1].ID)
}

func TestDecode_UndecodablePartIsSkipped(t *testing.T) {
	root := &provider.Part{
		MimeType: "multipart/alternative",
		Parts: []*provider.Part{
			{MimeType: "text/plain", Data: "!!not base64!!"},
			{MimeType: "text/html", Data: data("<b>still here</b>")},
		},
	}

	res := Decode("m1", root)

	assert.Equal(t, "", res.BodyText)
	assert.Equal(t, "<b>still here</b>", res.BodyHTML)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, res.Malformed())
}

func TestDecode_PaddedStandardAlphabetTolerated(t *testing.T) {
	root := &provider.Part{
		MimeType: "text/plain",
		Data:     "aGk/Pz4+",
	}

	res := Decode("m1", root)

	assert.Equal(t, "hi??>>", res.BodyText)
}

func TestDecode_DepthIsBounded(t *testing.T) {
	leaf := &provider.Part{MimeType: "text/plain", Data: data("too deep")}
	node := leaf
	for i := 0; i < MaxDepth+5; i++ {
		node = &provider.Part{MimeType: "multipart/mixed", Parts: []*provider.Part{node}}
	}
	root := &provider.Part{
		MimeType: "multipart/mixed",
		Parts: []*provider.Part{
			{MimeType: "text/html", Data: data("<p>shallow</p>")},
			node,
		},
	}

	res := Decode("m1", root)

	assert.True(t, res.Truncated)
	assert.Equal(t, "", res.BodyText)
	assert.Equal(t, "<p>shallow</p>", res.BodyHTML)
}

func TestDecode_ConvertsDeclaredCharset(t *testing.T) {
	root := &provider.Part{
		MimeType: "text/plain",
		Headers: []provider.Header{
			{Name: "Content-Type", Value: `text/plain; charset="ISO-8859-1"`},
		},
		Data: provider.EncodeData([]byte{'c', 'a', 'f', 0xe9}),
	}

	res := Decode("m1", root)

	assert.Equal(t, "café", res.BodyText)
}

func TestDecode_NilRoot(t *testing.T) {
	res := Decode("m1", nil)

	assert.Equal(t, Result{}, res)
}
