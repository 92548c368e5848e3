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
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-smtp"
	"github.com/marid-mta/marid/framework/buffer"
)

// Check inspects messages and their (meta-)data without changing anything
// other than, possibly, the message header.
//
// Implementations are registered under names with the "check." prefix.
type Check interface {
	// CheckStateForMsg creates the per-message state that will receive the
	// CheckState callbacks for a single message.
	//
	// The returned value must be usable as a map key since the pipeline
	// deduplicates Check* calls using it. A pointer to a struct satisfies
	// this requirement.
	CheckStateForMsg(ctx context.Context, msgMeta *MsgMetadata) (CheckState, error)
}

// EarlyCheck may additionally be implemented by a Check module to reject
// clearly unwanted connections before an SMTP session is allocated for them.
//
// The only possible outcomes are accept (nil) and reject (non-nil error);
// quarantining and header prepending are not available at this stage.
type EarlyCheck interface {
	CheckConnection(ctx context.Context, conn *smtp.Conn) error
}

// CheckState receives the per-stage callbacks for a single message.
type CheckState interface {
	// CheckConnection runs when the client starts a new message.
	//
	// The pipeline may cache its result for the duration of the client
	// connection, so it is not guaranteed to run for every message.
	CheckConnection(ctx context.Context) CheckResult

	// CheckSender runs once the sender address is known (MAIL FROM).
	CheckSender(ctx context.Context, mailFrom string) CheckResult

	// CheckRcpt runs for every recipient address as it arrives (RCPT TO).
	CheckRcpt(ctx context.Context, rcptTo string) CheckResult

	// CheckBody runs once the complete body is buffered in memory or on
	// disk.
	//
	// The header must be accessed under the message lock. The body is
	// read-only and safe to read concurrently.
	CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) CheckResult

	// Close runs when processing of the message ends, including when one of
	// the Check* callbacks failed.
	Close() error
}

// CheckResult is the outcome of a single CheckState callback.
type CheckResult struct {
	// Reason is reported to the message source when the check decides to
	// reject the message.
	Reason error

	// Reject indicates the message should be refused.
	Reject bool

	// Quarantine marks the message as suspicious so it ends up in the Junk
	// mailbox instead of being rejected outright.
	//
	// The pipeline copies this flag into MsgMetadata.
	Quarantine bool

	// AuthResult carries entries for the Authentication-Results header.
	AuthResult []authres.Result

	// Header contains fields to prepend to the message header once all
	// checks are done.
	Header textproto.Header
}
