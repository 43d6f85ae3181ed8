// Package entity defines the canonical in-memory shapes for synced content
// and the normalization step that converts raw remote rows into them.
package entity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindIdea       Kind = "idea"
	KindDiscussion Kind = "discussion"
	KindComment    Kind = "comment"
	KindGuideEntry Kind = "guide_entry"
	KindProfile    Kind = "profile"
)

type Status string

const (
	StatusCommitted Status = "committed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// TempIDPrefix marks client-generated placeholder ids. A permanent id issued
// by the remote store never carries it.
const TempIDPrefix = "local_"

type Entity struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Tags       []string  `json:"tags"`
	ParentID   string    `json:"parentId"`
	Votes      int       `json:"votes"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewTempID returns a fresh temporary id for an optimistically created entity.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a client-generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Normalize maps a raw remote row into a canonical Entity. It is total over
// any shape the gateway can return, including partially populated legacy
// rows: missing fields take defaults instead of propagating nulls, and a row
// without a status is assumed committed (the server only stores confirmed
// rows). Normalize(Normalize(x).Row()) == Normalize(x.Row()).
func Normalize(kind Kind, raw map[string]any) Entity {
	if raw == nil {
		raw = map[string]any{}
	}
	e := Entity{
		ID:         strField(raw, "id"),
		Kind:       kind,
		AuthorID:   strField(raw, "author_id", "authorId"),
		AuthorName: strField(raw, "author_name", "authorName"),
		Title:      strField(raw, "title"),
		Body:       strField(raw, "body", "content"),
		Tags:       strSliceField(raw, "tags"),
		ParentID:   strField(raw, "parent_id", "parentId"),
		Votes:      intField(raw, "votes", "netVotes"),
		CreatedAt:  timeField(raw, "created_at", "createdAt"),
	}
	switch Status(strField(raw, "status")) {
	case StatusPending:
		e.Status = StatusPending
	case StatusFailed:
		e.Status = StatusFailed
	default:
		e.Status = StatusCommitted
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	return e
}

// Row converts an entity back to the gateway's row shape, used both as an
// insert payload and to make Normalize round-trippable.
func (e Entity) Row() map[string]any {
	return map[string]any{
		"id":          e.ID,
		"author_id":   e.AuthorID,
		"author_name": e.AuthorName,
		"title":       e.Title,
		"body":        e.Body,
		"tags":        append([]string{}, e.Tags...),
		"parent_id":   e.ParentID,
		"votes":       e.Votes,
		"status":      string(e.Status),
		"created_at":  e.CreatedAt,
	}
}

// Fingerprint is the heuristic identity used to recognise an indeterminate
// write that actually landed server-side: author plus exact content. Callers
// additionally bound the match by a creation-time window.
func (e Entity) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", e.Kind, e.AuthorID, e.ParentID, e.Title, e.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintMatch reports whether two entities describe the same authored
// content within the given time window. Used only for identity resolution,
// never for authorization.
func FingerprintMatch(a, b Entity, window time.Duration) bool {
	if a.Fingerprint() != b.Fingerprint() {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func strField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok {
			return v
		}
	}
	return ""
}

func intField(raw map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func strSliceField(raw map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case []string:
			return append([]string{}, v...)
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

func timeField(raw map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case time.Time:
			return v
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case float64:
			return time.Unix(int64(v), 0).UTC()
		case int64:
			return time.Unix(v, 0).UTC()
		}
	}
	return time.Time{}
}
