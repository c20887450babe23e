package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const defaultMimeType = "application/octet-stream"

// BlobRef is where a content store put a blob.
type BlobRef struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
	Backend     string `json:"storage_backend"`
	Filename    string `json:"filename"`
}

// BlobWriter stores attachment bytes. Implemented by contentstore.LocalStore.
type BlobWriter interface {
	Put(ctx context.Context, data []byte, filename, mimeType string) (BlobRef, error)
}

// BlobReader fetches stored attachment bytes by id, falling back to hintPath.
type BlobReader interface {
	Get(ctx context.Context, id, hintPath string) ([]byte, error)
}

// Inline is an attachment whose bytes are held in memory.
type Inline struct {
	Data []byte
}

// Stored is an attachment whose bytes live in a content store.
type Stored struct {
	FileID      string
	StoragePath string
	Backend     string
}

type attachmentState interface {
	isAttachmentState()
}

func (Inline) isAttachmentState() {}
func (Stored) isAttachmentState() {}

// Attachment is a file carried by a message. It is Inline until a content
// store accepts its bytes, then Stored; never both.
type Attachment struct {
	ID         string
	Filename   string
	MimeType   string
	Attributes map[string]any

	state attachmentState
}

// NewAttachment builds an inline attachment. The id is the sha256 of data so
// byte-identical content always yields the same id.
func NewAttachment(filename string, data []byte, mimeType string) *Attachment {
	buf := make([]byte, len(data))
	copy(buf, data)

	return &Attachment{
		ID:       contentHash(buf),
		Filename: filename,
		MimeType: resolveMimeType(filename, mimeType),
		state:    Inline{Data: buf},
	}
}

// NewAttachmentFromString decodes s as standard base64 when it is valid base64
// and as UTF-8 text otherwise.
func NewAttachmentFromString(filename, s, mimeType string) *Attachment {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil && s != "" {
		return NewAttachment(filename, data, mimeType)
	}
	return NewAttachment(filename, []byte(s), mimeType)
}

// NewAttachmentFromValue accepts []byte or string content.
func NewAttachmentFromValue(filename string, v any, mimeType string) (*Attachment, error) {
	switch c := v.(type) {
	case []byte:
		return NewAttachment(filename, c, mimeType), nil
	case string:
		return NewAttachmentFromString(filename, c, mimeType), nil
	default:
		return nil, invalid("attachment content", "expected bytes or string, got %T", v)
	}
}

func NewAttachmentFromFile(path, mimeType string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", path, err)
	}
	return NewAttachment(filepath.Base(path), data, mimeType), nil
}

// RestoreAttachment rebuilds a stored attachment from persisted metadata.
func RestoreAttachment(id, filename, mimeType string, stored Stored, attrs map[string]any) *Attachment {
	return &Attachment{
		ID:         id,
		Filename:   filename,
		MimeType:   mimeType,
		Attributes: attrs,
		state:      stored,
	}
}

func (a *Attachment) Inline() (Inline, bool) {
	s, ok := a.state.(Inline)
	return s, ok
}

func (a *Attachment) Stored() (Stored, bool) {
	s, ok := a.state.(Stored)
	return s, ok
}

func (a *Attachment) IsStored() bool {
	_, ok := a.state.(Stored)
	return ok
}

// Size is the inline byte length, or 0 once stored.
func (a *Attachment) Size() int {
	if in, ok := a.Inline(); ok {
		return len(in.Data)
	}
	return 0
}

func (a *Attachment) Validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return invalid("attachment filename", "must not be empty")
	}
	if a.state == nil {
		return invalid("attachment "+a.Filename, "has neither content nor a storage location")
	}
	return nil
}

// Bytes returns the inline bytes, or fetches the stored bytes through r.
func (a *Attachment) Bytes(ctx context.Context, r BlobReader) ([]byte, error) {
	switch s := a.state.(type) {
	case Inline:
		out := make([]byte, len(s.Data))
		copy(out, s.Data)
		return out, nil
	case Stored:
		if r == nil {
			return nil, fmt.Errorf("attachment %s is stored but no content store was given", a.Filename)
		}
		return r.Get(ctx, s.FileID, s.StoragePath)
	default:
		return nil, fmt.Errorf("attachment %s: %w", a.Filename, ErrNotFound)
	}
}

// Store writes inline bytes through w and flips the attachment to Stored.
// A stored attachment is left alone. On failure the attachment is unchanged.
func (a *Attachment) Store(ctx context.Context, w BlobWriter) error {
	ref, err := a.put(ctx, w)
	if err != nil {
		return err
	}
	if ref != nil {
		a.markStored(*ref)
	}
	return nil
}

func (a *Attachment) put(ctx context.Context, w BlobWriter) (*BlobRef, error) {
	in, ok := a.state.(Inline)
	if !ok {
		if a.IsStored() {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to process attachment %s: %w", a.Filename,
			invalid("attachment", "no content to store"))
	}

	ref, err := w.Put(ctx, in.Data, a.Filename, a.MimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to process attachment %s: %w", a.Filename, err)
	}
	return &ref, nil
}

func (a *Attachment) markStored(ref BlobRef) {
	if ref.Filename != "" && ref.Filename != a.Filename {
		a.Filename = ref.Filename
	}
	a.state = Stored{FileID: ref.ID, StoragePath: ref.StoragePath, Backend: ref.Backend}
}

// pendingBlob is an attachment whose bytes were put but whose state has not
// been flipped yet.
type pendingBlob struct {
	attachment *Attachment
	ref        BlobRef
}

// StoreAll puts every inline attachment of m. States change only after every
// put has succeeded, so a failure leaves the message untouched.
func (m *Message) StoreAll(ctx context.Context, w BlobWriter) (int, error) {
	var pending []pendingBlob
	for _, a := range m.Attachments {
		ref, err := a.put(ctx, w)
		if err != nil {
			return 0, err
		}
		if ref != nil {
			pending = append(pending, pendingBlob{attachment: a, ref: *ref})
		}
	}
	for _, p := range pending {
		p.attachment.markStored(p.ref)
	}
	return len(pending), nil
}

type attachmentJSON struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	MimeType       string         `json:"mime_type,omitempty"`
	FileID         string         `json:"file_id,omitempty"`
	StoragePath    string         `json:"storage_path,omitempty"`
	StorageBackend string         `json:"storage_backend,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// MarshalJSON never includes inline bytes.
func (a *Attachment) MarshalJSON() ([]byte, error) {
	out := attachmentJSON{
		ID:         a.ID,
		Filename:   a.Filename,
		MimeType:   a.MimeType,
		Attributes: a.Attributes,
	}
	if s, ok := a.Stored(); ok {
		out.FileID = s.FileID
		out.StoragePath = s.StoragePath
		out.StorageBackend = s.Backend
	}
	return json.Marshal(out)
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	var in attachmentJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return err
	}
	*a = Attachment{
		ID:         in.ID,
		Filename:   in.Filename,
		MimeType:   in.MimeType,
		Attributes: in.Attributes,
	}
	if in.StoragePath != "" || in.FileID != "" {
		a.state = Stored{FileID: in.FileID, StoragePath: in.StoragePath, Backend: in.StorageBackend}
	}
	return nil
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func resolveMimeType(filename, mimeType string) string {
	if mimeType != "" {
		return mimeType
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return defaultMimeType
}
