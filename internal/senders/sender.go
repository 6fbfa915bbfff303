// Package senders provides the platform adapter layer for outbound sends.
// One adapter per external platform (Facebook, Instagram, Telegram, Discord);
// the website platform is not a sender — the engine returns website replies
// to the caller instead of dispatching them.
//
// Adding a platform means adding one adapter and registering it; the engine
// resolves adapters through the Registry and never switches on platform
// names itself.
package senders

import (
	"context"
	"errors"
	"fmt"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// ErrPublicReplyUnsupported is returned by messaging-only platforms when a
// public comment reply is requested.
var ErrPublicReplyUnsupported = errors.New("platform does not support public replies")

// Sender delivers text to one external platform using a tenant credential.
type Sender interface {
	Platform() automation.Platform

	// SendDirectMessage delivers a private message and returns the
	// provider-side message id.
	SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error)

	// SendPublicReply posts a threaded reply under a comment and returns
	// the provider-side reply id. Messaging-only platforms return
	// ErrPublicReplyUnsupported.
	SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error)
}

// Registry resolves senders by platform. Built once at startup.
type Registry struct {
	senders map[automation.Platform]Sender
}

func NewRegistry(list ...Sender) *Registry {
	r := &Registry{senders: make(map[automation.Platform]Sender, len(list))}
	for _, s := range list {
		r.senders[s.Platform()] = s
	}
	return r
}

// Register adds or replaces the adapter for a platform.
func (r *Registry) Register(s Sender) {
	r.senders[s.Platform()] = s
}

// For returns the sender for a platform, or an error when none is
// registered (unknown platform, or website which never dispatches).
func (r *Registry) For(p automation.Platform) (Sender, error) {
	s, ok := r.senders[p]
	if !ok {
		return nil, fmt.Errorf("no sender registered for platform %q", p)
	}
	return s, nil
}
