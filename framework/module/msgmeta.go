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
	"crypto/tls"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/marid-mta/marid/framework/future"
)

// ConnState arguments the message metadata with information about the
// connection it was accepted over.
type ConnState struct {
	// Hostname the client identified with in HELO/EHLO.
	Hostname string

	// Protocol used (SMTP, ESMTP, LMTP).
	Proto string

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// TLS state of the connection, zero value if TLS was not used.
	TLS tls.ConnectionState

	// The result of the rDNS lookup for the RemoteAddr, resolved lazily.
	// Underlying type is string or error.
	RDNSName *future.Future
}

// MsgMetadata is the object that is passed along with the message and
// contains the envelope-level information about it.
//
// Modification of the fields is generally not allowed once the object
// reaches the queue, with the exception of fields that are explicitly
// documented as mutable (Quarantine).
type MsgMetadata struct {
	// Unique identifier for this message. It is generated by the ingestion
	// path and used in queue entry names and all log messages related to the
	// message.
	ID string

	// Options argument of the MAIL command.
	SMTPOpts smtp.MailOptions

	// Connection the message was accepted over, nil for locally generated
	// messages (including DSNs).
	Conn *ConnState

	// Original recipient addresses before any rewrites (aliases,
	// distribution list expansion), keyed by the final address. Used for
	// Final-Recipient/Original-Recipient fields of generated DSNs.
	OriginalRcpts map[string]string

	// Original envelope sender before any rewrites. DSNs caused by the
	// message are sent here. Empty for messages that are themselves
	// notifications (null return path).
	OriginalFrom string

	// Whether to put the message into the Junk mailbox on local delivery.
	// Set by the authentication pipeline on a quarantine policy action.
	Quarantine bool

	// Set for messages that are delivery status notifications generated
	// by the queue. Such messages skip the authentication pipeline and
	// never cause DSNs themselves.
	DSN bool

	// If set - no information about the originating connection should be
	// included into trace headers or DSNs.
	DontTraceSender bool

	// Size of the message body, in bytes. Zero if unknown. Used for quota
	// checks before the body is transferred.
	BodyLength int
}

// DeepCopy creates a copy of the MsgMetadata object, including contained
// maps. Conn is copied as a pointer since connection information is
// immutable after the message is accepted.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	cpy := *msgMeta

	cpy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for k, v := range msgMeta.OriginalRcpts {
		cpy.OriginalRcpts[k] = v
	}

	return &cpy
}
