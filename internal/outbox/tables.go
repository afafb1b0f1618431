package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const indexTable = "pending_operations"

// commonColumns are shared by every per-kind table, in scan order
var commonColumns = []string{
	"local_id",
	"op_key",
	"status",
	"attempt_count",
	"last_error",
	"remote_id",
	"created_at",
	"updated_at",
}

// kindTable maps one kind onto its table
type kindTable struct {
	name    string
	columns []string
	values  func(Payload) ([]interface{}, error)
	scanner func() ([]interface{}, func() (Payload, error))
}

var tables = map[Kind]kindTable{
	KindPost: {
		name:    "pending_posts",
		columns: []string{"title", "description", "author_id", "post_status", "media_refs"},
		values: func(p Payload) ([]interface{}, error) {
			post := p.(*PostPayload)
			refs := post.MediaRefs
			if refs == nil {
				refs = []string{}
			}
			encoded, err := json.Marshal(refs)
			if err != nil {
				return nil, fmt.Errorf("encoding media refs: %w", err)
			}
			return []interface{}{post.Title, post.Description, post.AuthorID, string(post.Status), string(encoded)}, nil
		},
		scanner: func() ([]interface{}, func() (Payload, error)) {
			var (
				post   PostPayload
				status string
				refs   string
			)
			dest := []interface{}{&post.Title, &post.Description, &post.AuthorID, &status, &refs}
			return dest, func() (Payload, error) {
				post.Status = PostStatus(status)
				if err := json.Unmarshal([]byte(refs), &post.MediaRefs); err != nil {
					return nil, fmt.Errorf("decoding media refs: %w", err)
				}
				return &post, nil
			}
		},
	},
	KindComment: {
		name:    "pending_comments",
		columns: []string{"post_id", "post_local_id", "author_id", "body"},
		values: func(p Payload) ([]interface{}, error) {
			c := p.(*CommentPayload)
			return []interface{}{c.Post.PostID, nullLocalID(c.Post.PostLocalID), c.AuthorID, c.Body}, nil
		},
		scanner: func() ([]interface{}, func() (Payload, error)) {
			var (
				c       CommentPayload
				localID sql.NullInt64
			)
			dest := []interface{}{&c.Post.PostID, &localID, &c.AuthorID, &c.Body}
			return dest, func() (Payload, error) {
				c.Post.PostLocalID = localID.Int64
				return &c, nil
			}
		},
	},
	KindReaction: {
		name:    "pending_reactions",
		columns: []string{"post_id", "post_local_id", "user_id", "reaction"},
		values: func(p Payload) ([]interface{}, error) {
			r := p.(*ReactionPayload)
			return []interface{}{r.Post.PostID, nullLocalID(r.Post.PostLocalID), r.UserID, r.Reaction}, nil
		},
		scanner: func() ([]interface{}, func() (Payload, error)) {
			var (
				r       ReactionPayload
				localID sql.NullInt64
			)
			dest := []interface{}{&r.Post.PostID, &localID, &r.UserID, &r.Reaction}
			return dest, func() (Payload, error) {
				r.Post.PostLocalID = localID.Int64
				return &r, nil
			}
		},
	},
	KindFavorite: {
		name:    "pending_favorites",
		columns: []string{"post_id", "post_local_id", "user_id", "favorite"},
		values: func(p Payload) ([]interface{}, error) {
			f := p.(*FavoritePayload)
			return []interface{}{f.Post.PostID, nullLocalID(f.Post.PostLocalID), f.UserID, f.Favorite}, nil
		},
		scanner: func() ([]interface{}, func() (Payload, error)) {
			var (
				f       FavoritePayload
				localID sql.NullInt64
			)
			dest := []interface{}{&f.Post.PostID, &localID, &f.UserID, &f.Favorite}
			return dest, func() (Payload, error) {
				f.Post.PostLocalID = localID.Int64
				return &f, nil
			}
		},
	},
}

func tableFor(kind Kind) (kindTable, error) {
	t, ok := tables[kind]
	if !ok {
		return kindTable{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t, nil
}

// selectColumns returns the column list used by every SELECT on t
func (t kindTable) selectColumns() []string {
	cols := make([]string, 0, len(commonColumns)+len(t.columns))
	cols = append(cols, commonColumns...)
	return append(cols, t.columns...)
}

// scan reads one row selected with selectColumns
func (t kindTable) scan(kind Kind, row interface{ Scan(...interface{}) error }) (*Operation, error) {
	var (
		op       Operation
		status   string
		remoteID sql.NullString
		created  time.Time
		updated  time.Time
	)

	payloadDest, build := t.scanner()
	dest := []interface{}{&op.LocalID, &op.Key, &status, &op.AttemptCount, &op.LastError, &remoteID, &created, &updated}
	dest = append(dest, payloadDest...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	payload, err := build()
	if err != nil {
		return nil, err
	}

	op.Kind = kind
	op.Payload = payload
	op.Status = Status(status)
	op.RemoteID = remoteID.String
	op.CreatedAt = created
	op.UpdatedAt = updated
	return &op, nil
}

func nullLocalID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}
