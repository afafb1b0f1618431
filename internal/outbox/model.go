// Package outbox is the durable queue of user mutations that have not yet
// been confirmed by the recipe service.
package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/tildaslashalef/recipebox/internal/ulid"
)

// Kind identifies the mutation an operation carries
type Kind string

const (
	KindPost     Kind = "post"
	KindComment  Kind = "comment"
	KindReaction Kind = "reaction"
	KindFavorite Kind = "favorite"
)

// Kinds lists every kind in sync order. Posts go first because the other
// kinds may reference a post's remote id.
var Kinds = []Kind{KindPost, KindComment, KindReaction, KindFavorite}

// ParseKind parses a kind name, accepting plurals ("posts")
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Status is the lifecycle state of an operation
type Status string

const (
	// StatusPending operations are visible to the sync engine
	StatusPending Status = "pending"
	// StatusSynced operations carry the id assigned by the server
	StatusSynced Status = "synced"
	// StatusFailed operations were dead-lettered and wait for a manual requeue
	StatusFailed Status = "failed"
)

// Statuses lists every status
var Statuses = []Status{StatusPending, StatusSynced, StatusFailed}

var errNilPayload = fmt.Errorf("%w: payload is nil", ErrInvalidPayload)

// Payload is the kind-specific body of an operation
type Payload interface {
	Kind() Kind
	Validate() error
}

// PostRef points a comment, reaction or favorite at a post. Exactly one of
// the fields is set: PostID for a post the server already knows, or
// PostLocalID for a post still sitting in the queue.
type PostRef struct {
	PostID      string
	PostLocalID int64
}

// RemotePost references a post by its server id
func RemotePost(id string) PostRef {
	return PostRef{PostID: id}
}

// QueuedPost references a post by its local queue id
func QueuedPost(localID int64) PostRef {
	return PostRef{PostLocalID: localID}
}

// IsQueued reports whether the reference still needs to be resolved
func (r PostRef) IsQueued() bool {
	return r.PostID == "" && r.PostLocalID > 0
}

func (r PostRef) validate() error {
	hasRemote := strings.TrimSpace(r.PostID) != ""
	hasLocal := r.PostLocalID > 0
	if hasRemote == hasLocal {
		return fmt.Errorf("%w: exactly one of post id and post local id must be set", ErrInvalidPayload)
	}
	return nil
}

// PostStatus is the publication flag of a recipe post
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
)

// PostPayload creates a recipe post
type PostPayload struct {
	Title       string
	Description string
	AuthorID    string
	Status      PostStatus
	MediaRefs   []string // local media file references, in display order
}

func (p *PostPayload) Kind() Kind { return KindPost }

func (p *PostPayload) Validate() error {
	if p == nil {
		return errNilPayload
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	if p.AuthorID == "" {
		return fmt.Errorf("%w: author id is required", ErrInvalidPayload)
	}
	if p.Status != PostDraft && p.Status != PostPublished {
		return fmt.Errorf("%w: post status must be draft or published, got %q", ErrInvalidPayload, p.Status)
	}
	for i, ref := range p.MediaRefs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("%w: media reference %d is empty", ErrInvalidPayload, i)
		}
	}
	return nil
}

// CommentPayload adds a comment to a post
type CommentPayload struct {
	Post     PostRef
	AuthorID string
	Body     string
}

func (p *CommentPayload) Kind() Kind { return KindComment }

func (p *CommentPayload) Validate() error {
	if p == nil {
		return errNilPayload
	}
	if err := p.Post.validate(); err != nil {
		return err
	}
	if p.AuthorID == "" {
		return fmt.Errorf("%w: author id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: comment body is required", ErrInvalidPayload)
	}
	return nil
}

// ReactionPayload sets a user's reaction on a post
type ReactionPayload struct {
	Post     PostRef
	UserID   string
	Reaction string
}

func (p *ReactionPayload) Kind() Kind { return KindReaction }

func (p *ReactionPayload) Validate() error {
	if p == nil {
		return errNilPayload
	}
	if err := p.Post.validate(); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Reaction) == "" {
		return fmt.Errorf("%w: reaction is required", ErrInvalidPayload)
	}
	return nil
}

// FavoritePayload marks or unmarks a post as a user's favorite
type FavoritePayload struct {
	Post     PostRef
	UserID   string
	Favorite bool
}

func (p *FavoritePayload) Kind() Kind { return KindFavorite }

func (p *FavoritePayload) Validate() error {
	if p == nil {
		return errNilPayload
	}
	if err := p.Post.validate(); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidPayload)
	}
	return nil
}

// Operation is one queued mutation
type Operation struct {
	LocalID      int64     // unique across kinds, never reused
	Key          ulid.ULID // idempotency key sent with every delivery attempt
	Kind         Kind
	Payload      Payload
	Status       Status
	AttemptCount int
	LastError    string
	RemoteID     string // empty until synced
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PostRef returns the post referenced by the payload, if the kind has one
func (o *Operation) PostRef() (PostRef, bool) {
	switch p := o.Payload.(type) {
	case *CommentPayload:
		return p.Post, true
	case *ReactionPayload:
		return p.Post, true
	case *FavoritePayload:
		return p.Post, true
	}
	return PostRef{}, false
}

// WithPostID returns a copy of the operation whose post reference carries
// the given server id. The receiver is not modified.
func (o *Operation) WithPostID(postID string) *Operation {
	clone := *o
	switch p := o.Payload.(type) {
	case *CommentPayload:
		cp := *p
		cp.Post.PostID = postID
		clone.Payload = &cp
	case *ReactionPayload:
		cp := *p
		cp.Post.PostID = postID
		clone.Payload = &cp
	case *FavoritePayload:
		cp := *p
		cp.Post.PostID = postID
		clone.Payload = &cp
	}
	return &clone
}
