// Package template resolves and prepares the HTML autoresponse template
// for a recipient mailbox: blob lookup by folder convention, charset
// decoding, image-reference rewriting to public blob URLs, and
// reference-id substitution.
package template

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
	"golang.org/x/text/encoding/charmap"

	"github.com/brightsure/mail-triage/internal/azblob"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// BlobGetter is the slice of the blob client the store needs.
type BlobGetter interface {
	Get(ctx context.Context, container, blobPath string) ([]byte, error)
}

// defaultBody is used when no template blob exists for the recipient.
// It carries no relative image references, so no rewriting is applied.
const defaultBody = `<html><body>
<p>Thank you for contacting us. We have received your email and our team
will get back to you as soon as possible.</p>
<p>Your reference number is {{REFERENCE_ID}}.</p>
<p>Kind regards,<br>Customer Care</p>
</body></html>`

// DefaultSubject is the built-in autoresponse subject, used when neither
// the subject map nor the configuration provides one.
const DefaultSubject = "Thank you for contacting us"

// Store fetches and processes autoresponse templates.
type Store struct {
	blob           BlobGetter
	container      string
	publicURL      string
	folderMap      map[string]string // lower-cased address or local part → folder
	subjectMap     map[string]string // folder → subject line
	defaultSubject string
	engine         *liquid.Engine
}

// Result is a prepared autoresponse body.
type Result struct {
	HTML        string
	Subject     string
	Folder      string
	UsedDefault bool
}

// NewStore creates a template store over the given blob container.
// defaultSubject overrides the built-in subject fallback when non-empty.
func NewStore(blob BlobGetter, container, publicURL string, folderMap, subjectMap map[string]string, defaultSubject string) *Store {
	lowered := make(map[string]string, len(folderMap))
	for k, v := range folderMap {
		lowered[strings.ToLower(k)] = v
	}
	if defaultSubject == "" {
		defaultSubject = DefaultSubject
	}
	return &Store{
		blob:           blob,
		container:      container,
		publicURL:      strings.TrimRight(publicURL, "/"),
		folderMap:      lowered,
		subjectMap:     subjectMap,
		defaultSubject: defaultSubject,
		engine:         liquid.NewEngine(),
	}
}

// ResolveFolder maps a recipient address to its template folder: exact
// full-address lookup first, then the mailbox local part, then the local
// part verbatim.
func (s *Store) ResolveFolder(recipient string) string {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	if folder, ok := s.folderMap[addr]; ok {
		return folder
	}
	local := addr
	if at := strings.Index(addr, "@"); at > 0 {
		local = addr[:at]
	}
	if folder, ok := s.folderMap[local]; ok {
		return folder
	}
	return local
}

// Subject returns the autoresponse subject line for a folder.
func (s *Store) Subject(folder string) string {
	if subj, ok := s.subjectMap[folder]; ok && subj != "" {
		return subj
	}
	return s.defaultSubject
}

// Fetch resolves, downloads and prepares the template for the recipient.
// A missing template is not an error; the built-in default body is used
// and image rewriting is skipped.
func (s *Store) Fetch(ctx context.Context, recipient, internetMessageID string) (*Result, error) {
	folder := s.ResolveFolder(recipient)
	addr := strings.ToLower(strings.TrimSpace(recipient))

	candidates := []string{
		folder + "/" + addr + ".htm",
		folder + "/" + addr + ".html",
		folder + "/" + folder + ".html",
	}

	var raw []byte
	var found bool
	for _, path := range candidates {
		data, err := s.blob.Get(ctx, s.container, path)
		if err == nil {
			raw, found = data, true
			break
		}
		if !errors.Is(err, azblob.ErrBlobNotFound) {
			return nil, err
		}
	}

	result := &Result{Folder: folder, Subject: s.Subject(folder)}
	if !found {
		logger.Debug("no template blob, using default body", "recipient", recipient, "folder", folder)
		result.HTML = s.substituteReference(defaultBody, internetMessageID)
		result.UsedDefault = true
		return result, nil
	}

	html := decodeTemplate(raw)
	html = s.rewriteImageRefs(html, folder)
	result.HTML = s.substituteReference(html, internetMessageID)
	return result, nil
}

// substituteReference renders {{REFERENCE_ID}} with the last 10 characters
// of the internet message id, or a random UUID when the id is absent.
func (s *Store) substituteReference(html, internetMessageID string) string {
	ref := ReferenceID(internetMessageID)
	out, err := s.engine.ParseAndRenderString(html, liquid.Bindings{"REFERENCE_ID": ref})
	if err != nil {
		// Customer templates are not always valid liquid; fall back to a
		// literal replacement so the acknowledgment still goes out.
		logger.Warn("template render failed, using literal substitution", "error", err.Error())
		return strings.ReplaceAll(html, "{{REFERENCE_ID}}", ref)
	}
	return out
}

// ReferenceID derives the customer-visible reference from a message id.
func ReferenceID(internetMessageID string) string {
	id := strings.Trim(strings.TrimSpace(internetMessageID), "<>")
	if id == "" {
		return uuid.New().String()
	}
	if len(id) <= 10 {
		return id
	}
	return id[len(id)-10:]
}

// decodeTemplate decodes blob bytes as UTF-8, then Windows-1252, then
// UTF-8 with lossy replacement.
func decodeTemplate(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw); err == nil {
		return string(decoded)
	}
	return strings.ToValidUTF8(string(raw), "�")
}
