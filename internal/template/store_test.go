package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightsure/mail-triage/internal/azblob"
)

type fakeBlob struct {
	blobs map[string][]byte
	gets  []string
}

func (f *fakeBlob) Get(_ context.Context, _ string, blobPath string) ([]byte, error) {
	f.gets = append(f.gets, blobPath)
	if data, ok := f.blobs[blobPath]; ok {
		return data, nil
	}
	return nil, azblob.ErrBlobNotFound
}

func newTestStore(blob *fakeBlob) *Store {
	return NewStore(blob, "templates", "https://cdn.brightsure.example",
		map[string]string{
			"Info@Brightsure.Example": "general",
			"claims":                  "claims-care",
		},
		map[string]string{"general": "We have received your email"},
		"",
	)
}

func TestSubjectFallbacks(t *testing.T) {
	s := newTestStore(&fakeBlob{})
	assert.Equal(t, "We have received your email", s.Subject("general"))
	// Unmapped folders use the built-in subject when no override is set.
	assert.Equal(t, DefaultSubject, s.Subject("claims-care"))

	// A configured default subject replaces the built-in one.
	s = NewStore(&fakeBlob{}, "templates", "", nil, nil, "Thanks for reaching Brightsure")
	assert.Equal(t, "Thanks for reaching Brightsure", s.Subject("anything"))
}

func TestResolveFolder(t *testing.T) {
	s := newTestStore(&fakeBlob{})

	// Full address match, case-insensitive.
	assert.Equal(t, "general", s.ResolveFolder("INFO@brightsure.example"))
	// Local-part match.
	assert.Equal(t, "claims-care", s.ResolveFolder("claims@brightsure.example"))
	// Unmapped recipients fall back to the local part itself.
	assert.Equal(t, "retentions", s.ResolveFolder("retentions@brightsure.example"))
}

func TestFetchProbesBlobPathsInOrder(t *testing.T) {
	blob := &fakeBlob{blobs: map[string][]byte{
		"general/general.html": []byte("<p>ref {{REFERENCE_ID}}</p>"),
	}}
	s := newTestStore(blob)

	res, err := s.Fetch(context.Background(), "info@brightsure.example", "<x1234567890>")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"general/info@brightsure.example.htm",
		"general/info@brightsure.example.html",
		"general/general.html",
	}, blob.gets)
	assert.False(t, res.UsedDefault)
	assert.Equal(t, "We have received your email", res.Subject)
	assert.Contains(t, res.HTML, "ref 1234567890")
}

func TestFetchMissingTemplateUsesDefault(t *testing.T) {
	s := newTestStore(&fakeBlob{})

	res, err := s.Fetch(context.Background(), "retentions@brightsure.example", "<id-12345678@x>")
	require.NoError(t, err)

	assert.True(t, res.UsedDefault)
	assert.Equal(t, DefaultSubject, res.Subject)
	assert.Contains(t, res.HTML, "Your reference number is")
	assert.NotContains(t, res.HTML, "{{REFERENCE_ID}}")
}

func TestFetchDecodesWindows1252(t *testing.T) {
	// 0x93/0x94 are smart quotes in Windows-1252 and invalid UTF-8.
	raw := append([]byte("<p>"), 0x93)
	raw = append(raw, []byte("hello")...)
	raw = append(raw, 0x94)
	raw = append(raw, []byte("</p>")...)

	blob := &fakeBlob{blobs: map[string][]byte{
		"general/general.html": raw,
	}}
	s := newTestStore(blob)

	res, err := s.Fetch(context.Background(), "info@brightsure.example", "<x@y>")
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "“hello”")
}

func TestRewriteImageRefs(t *testing.T) {
	s := newTestStore(&fakeBlob{})

	in := `<img src="welcome_files/logo.png">` +
		`<v:imagedata src="images/banner.jpg"/>` +
		`<div style="background: url('bg.gif')"></div>` +
		`<img src="https://other.example/kept.png">` +
		`<img src="data:image/png;base64,AAAA">`
	out := s.rewriteImageRefs(in, "general")

	assert.Contains(t, out, `src="https://cdn.brightsure.example/templates/general/logo.png"`)
	assert.Contains(t, out, `src="https://cdn.brightsure.example/templates/general/banner.jpg"`)
	assert.Contains(t, out, `url('https://cdn.brightsure.example/templates/general/bg.gif')`)
	assert.Contains(t, out, `src="https://other.example/kept.png"`)
	assert.Contains(t, out, `src="data:image/png;base64,AAAA"`)
}

func TestReferenceID(t *testing.T) {
	assert.Equal(t, "1234567890", ReferenceID("<x1234567890>"))
	assert.Equal(t, "7890@host0", ReferenceID("<abc1234567890@host0>"))
	assert.Equal(t, "short", ReferenceID("<short>"))

	// An absent id still yields a usable reference.
	ref := ReferenceID("")
	assert.NotEmpty(t, ref)
}

func TestSubstituteReferenceFallsBackOnBrokenLiquid(t *testing.T) {
	s := newTestStore(&fakeBlob{})

	// An unclosed tag is invalid liquid; the literal replacement still
	// substitutes the placeholder.
	html := `{% if %}<p>{{REFERENCE_ID}}</p>`
	out := s.substituteReference(html, "<x1234567890>")
	assert.Contains(t, out, "1234567890")
}
