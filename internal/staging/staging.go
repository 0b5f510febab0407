// Package staging tracks attachments that are being uploaded for the next
// message.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"teamchat/internal/domain"
)

var (
	ErrLimitReached       = errors.New("maximum number of files reached")
	ErrMultipleNotAllowed = errors.New("multiple uploads are not allowed")
	ErrTypeNotAccepted    = errors.New("file type not accepted")
	ErrNotFound           = errors.New("attachment not found")
	ErrNotPending         = errors.New("attachment is not pending")
)

// State is an attachment's upload state.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// File is a blob offered for upload.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Ref is a staged attachment.
type Ref struct {
	ID       string
	State    State
	Name     string
	MimeType string
	Size     int64
	URL      string
	Err      error

	body io.Reader
}

// Attachment converts a completed ref into a message attachment.
func (r Ref) Attachment() domain.Attachment {
	kind := "file"
	if strings.HasPrefix(r.MimeType, "image/") {
		kind = "image"
	}
	return domain.Attachment{
		Type:     kind,
		Name:     r.Name,
		MimeType: r.MimeType,
		URL:      r.URL,
		Size:     r.Size,
	}
}

// Uploader is the upload service. It returns the URL of the stored blob.
type Uploader interface {
	Upload(ctx context.Context, f File) (string, error)
}

// Options configures staging limits.
type Options struct {
	MaxFiles      int      // 0 = unlimited
	Multiple      bool     // allow more than one file per Add
	AcceptedTypes []string // MIME patterns like "image/*"; empty = everything
	Uploader      Uploader
	Logger        *slog.Logger
}

// Staging holds the attachments for the next message in insertion order.
type Staging struct {
	opts Options

	mu   sync.Mutex
	refs []*Ref
}

// New creates an empty Staging.
func New(opts Options) *Staging {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Staging{opts: opts}
}

// Add stages files in pending state. It rejects the whole batch if any file
// fails a check.
func (s *Staging) Add(files ...File) ([]Ref, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 && !s.opts.Multiple {
		return nil, ErrMultipleNotAllowed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxFiles > 0 && len(s.refs)+len(files) > s.opts.MaxFiles {
		return nil, fmt.Errorf("%w: %d staged, max %d", ErrLimitReached, len(s.refs), s.opts.MaxFiles)
	}
	for _, f := range files {
		if !Accepts(s.opts.AcceptedTypes, f.MimeType) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrTypeNotAccepted, f.Name, f.MimeType)
		}
	}

	added := make([]Ref, 0, len(files))
	for _, f := range files {
		ref := &Ref{
			ID:       uuid.NewString(),
			State:    StatePending,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     f.Size,
			body:     f.Body,
		}
		s.refs = append(s.refs, ref)
		added = append(added, *ref)
	}
	return added, nil
}

// Full reports whether no further file can be staged.
func (s *Staging) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.MaxFiles > 0 && len(s.refs) >= s.opts.MaxFiles
}

// Upload runs one pending attachment through the uploader. The staging lock
// is not held while the uploader runs.
func (s *Staging) Upload(ctx context.Context, id string) (Ref, error) {
	s.mu.Lock()
	ref := s.find(id)
	if ref == nil {
		s.mu.Unlock()
		return Ref{}, ErrNotFound
	}
	if ref.State != StatePending {
		state := ref.State
		s.mu.Unlock()
		return Ref{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, state)
	}
	ref.State = StateUploading
	file := File{Name: ref.Name, MimeType: ref.MimeType, Size: ref.Size, Body: ref.body}
	s.mu.Unlock()

	var (
		url string
		err error
	)
	if s.opts.Uploader == nil {
		err = errors.New("no uploader configured")
	} else {
		url, err = s.opts.Uploader.Upload(ctx, file)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref = s.find(id)
	if ref == nil {
		// Removed while uploading.
		return Ref{}, ErrNotFound
	}
	ref.body = nil
	if err != nil {
		ref.State = StateFailed
		ref.Err = err
		s.opts.Logger.Warn("upload failed", "id", id, "name", ref.Name, "err", err)
		return *ref, err
	}
	ref.State = StateComplete
	ref.URL = url
	return *ref, nil
}

// Remove drops a staged attachment.
func (s *Staging) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.refs {
		if r.ID == id {
			s.refs = slices.Delete(s.refs, i, i+1)
			return true
		}
	}
	return false
}

// Clear drops every staged attachment.
func (s *Staging) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = nil
}

// Len returns the number of staged attachments in any state.
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Uploading returns how many attachments are currently uploading.
func (s *Staging) Uploading() int {
	return s.count(StateUploading)
}

// InFlight returns how many attachments are pending or uploading.
func (s *Staging) InFlight() int {
	return s.count(StatePending) + s.count(StateUploading)
}

// Refs returns a snapshot of every staged attachment.
func (s *Staging) Refs() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ref, len(s.refs))
	for i, r := range s.refs {
		out[i] = *r
	}
	return out
}

// Completed returns the attachments of every completed upload, in order.
func (s *Staging) Completed() []domain.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Attachment
	for _, r := range s.refs {
		if r.State == StateComplete {
			out = append(out, r.Attachment())
		}
	}
	return out
}

func (s *Staging) count(state State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.refs {
		if r.State == state {
			n++
		}
	}
	return n
}

func (s *Staging) find(id string) *Ref {
	for _, r := range s.refs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Accepts reports whether mimeType matches one of patterns. Patterns are MIME
// types with optional wildcards ("image/*", "*/*"). An empty list accepts all.
func Accepts(patterns []string, mimeType string) bool {
	if len(patterns) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if ok, err := path.Match(p, mimeType); err == nil && ok {
			return true
		}
	}
	return false
}
