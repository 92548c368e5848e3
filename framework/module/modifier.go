/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package module

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
)

// Modifier mutates the envelope or header of a message in transit.
//
// The body is off limits: rewriting it would force rebuffering (see the
// buffer.Buffer doc), invalidate whatever checks already ran against the
// content and break DKIM signatures. For similar reasons modifiers should
// refrain from removing or changing existing header fields and stick to
// adding new ones.
//
// The ModifierState call order is fixed: RewriteSender, then RewriteRcpt,
// then RewriteBody. State captured by an earlier call can therefore be
// relied on in later ones.
//
// Implementations register themselves under a "modify."-prefixed name.
type Modifier interface {
	// ModStateForMsg creates the per-message state used by the Rewrite*
	// methods.
	ModStateForMsg(ctx context.Context, msgMeta *MsgMetadata) (ModifierState, error)
}

type ModifierState interface {
	// RewriteSender returns the replacement MAIL FROM value, or its
	// argument unchanged.
	//
	// Per-source and per-destination modifiers run after routing, so the
	// new value does not influence target selection. MsgMeta.OriginalFrom
	// keeps the pre-rewrite value for tracing and must be left alone.
	RewriteSender(ctx context.Context, mailFrom string) (string, error)

	// RewriteRcpt returns the replacement RCPT TO values (one or more),
	// or a single-element slice with its argument unchanged.
	//
	// Recording the mapping in MsgMeta.OriginalRcpts is the pipeline's
	// job, not the modifier's.
	RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error)

	// RewriteBody updates h in place and may read the body buffer to
	// decide on new header field values. Per the interface contract
	// above, it adds fields rather than altering existing ones.
	RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error

	// Close runs after message processing ends, including when one of
	// the Rewrite* methods failed.
	Close() error
}
