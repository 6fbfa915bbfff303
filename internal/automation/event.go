// Package automation holds the shared domain model for the rule execution
// engine: inbound social events, automation rules, and the pure matcher that
// maps one to the other. It has no dependencies on storage or transport so
// that every other package can import it freely.
package automation

import (
	"github.com/google/uuid"
)

// Platform identifies an external channel an event arrived on or an action
// dispatches to.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
	PlatformDiscord   Platform = "discord"
	// PlatformWebsite is the embedded chat widget. It never dispatches
	// externally; resolved replies are returned to the caller instead.
	PlatformWebsite Platform = "website"
)

// CommentCapable reports whether the platform supports public replies to
// comments (threaded posts). Messaging-only platforms cannot.
func (p Platform) CommentCapable() bool {
	switch p {
	case PlatformFacebook, PlatformInstagram:
		return true
	}
	return false
}

// EventKind distinguishes public comments from direct messages.
type EventKind string

const (
	KindComment EventKind = "comment"
	KindMessage EventKind = "message"
)

// InboundEvent is one normalized social event: a comment on a post or a
// direct message. Constructed once per webhook delivery (or synthesized for
// time/manual triggers) and immutable for the duration of one orchestration.
type InboundEvent struct {
	TenantID   uuid.UUID
	AgentID    uuid.UUID
	EventID    string // platform-native id of the comment/message
	Text       string
	AuthorID   string // platform-native sender id, may be empty
	AuthorName string // display name, may be empty
	Platform   Platform
	PostID     string // platform-native post id for comments
	ThreadID   string // conversation/thread id (post id for comments)
	Kind       EventKind
}

// Validate checks the event carries the fields its kind requires.
func (e *InboundEvent) Validate() error {
	if e.TenantID == uuid.Nil {
		return errMissing("tenant id")
	}
	if e.AgentID == uuid.Nil {
		return errMissing("agent id")
	}
	if e.Platform == "" {
		return errMissing("platform")
	}
	if e.Text == "" {
		return errMissing("text")
	}
	switch e.Kind {
	case KindComment:
		if e.EventID == "" {
			return errMissing("comment id")
		}
	case KindMessage:
		// Website chat sessions have no platform author id; everything
		// else needs one so a reply can be addressed.
		if e.Platform != PlatformWebsite && e.AuthorID == "" && e.AuthorName == "" {
			return errMissing("author")
		}
	default:
		return errMissing("event kind")
	}
	return nil
}

type missingFieldError string

func (m missingFieldError) Error() string { return "event missing " + string(m) }

func errMissing(field string) error { return missingFieldError(field) }
