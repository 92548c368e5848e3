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

// Package local implements delivery to mailboxes served by this instance.
//
// Recipient addresses are resolved through an AddressBook into one or more
// final mailboxes: aliases are followed recursively with a cycle guard and
// distribution lists fan out to all members. Storage quota is reserved
// atomically for each mailbox before the message is appended and rolled back
// if the append fails.
package local

import (
	"context"
	"errors"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/quota"
	"github.com/marid-mta/marid/internal/target"
)

// ErrNotFound is returned by AddressBook.Resolve for unknown addresses.
var ErrNotFound = errors.New("local: no such address")

type Kind int

const (
	KindMailbox Kind = iota
	KindAlias
	KindList
)

// Entry is what an address resolves to. Exactly one of the kind-specific
// fields is meaningful depending on Kind.
type Entry struct {
	Kind Kind

	// MailboxID identifies the final mailbox for KindMailbox.
	MailboxID string

	// Alias is the address the alias points to for KindAlias.
	Alias string

	// Members are the addresses a distribution list expands to for KindList.
	Members []string
}

// AddressBook maps recipient addresses to local mailboxes. Implemented by
// the account storage layer.
type AddressBook interface {
	Resolve(ctx context.Context, addr string) (Entry, error)
}

// Store appends message payloads to mailboxes. Implemented by the message
// storage layer.
type Store interface {
	Append(ctx context.Context, mailboxID string, header textproto.Header, body buffer.Buffer) (string, error)
}

type Target struct {
	Resolver AddressBook
	Store    Store

	// Quota gates appends when set. A rejected reservation is a permanent
	// failure for the recipient.
	Quota *quota.Ledger

	// Limit on alias/list indirections for a single recipient, counting all
	// expanded addresses. Guards against pathological address books beyond
	// what the cycle check catches.
	MaxExpansions int

	Log log.Logger
}

func New(resolver AddressBook, store Store, logger log.Logger) *Target {
	return &Target{
		Resolver:      resolver,
		Store:         store,
		MaxExpansions: 64,
		Log:           logger,
	}
}

func (t *Target) Name() string {
	return "target.local"
}

func (t *Target) InstanceName() string {
	return "target.local"
}

type mailbox struct {
	id string
	// rcpt is the envelope recipient the mailbox was resolved from, used
	// for per-recipient status reporting.
	rcpt string
}

type delivery struct {
	t       *Target
	log     log.Logger
	msgMeta *module.MsgMetadata

	// rcpts keeps the AddRcpt order, mboxes is the flattened resolution
	// with duplicates removed.
	rcpts  []string
	mboxes []mailbox
	seen   map[string]bool
}

func (t *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &delivery{
		t:       t,
		log:     target.DeliveryLogger(t.Log, msgMeta),
		msgMeta: msgMeta,
		seen:    map[string]bool{},
	}, nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	mboxes, err := d.resolve(ctx, rcptTo)
	if err != nil {
		return err
	}

	d.rcpts = append(d.rcpts, rcptTo)
	for _, mb := range mboxes {
		if d.seen[mb.id] {
			continue
		}
		d.seen[mb.id] = true
		d.mboxes = append(d.mboxes, mb)
	}
	return nil
}

// resolve follows aliases and expands lists until only mailboxes remain.
// visited tracks normalized addresses on the current path, expansions bounds
// the total amount of lookups.
func (d *delivery) resolve(ctx context.Context, rcptTo string) ([]mailbox, error) {
	expansions := 0
	var walk func(addr string, visited map[string]bool) ([]mailbox, error)
	walk = func(addr string, visited map[string]bool) ([]mailbox, error) {
		norm, err := address.ForLookup(addr)
		if err != nil {
			return nil, &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
				Message:      "Unable to normalize the recipient address",
				TargetName:   "local",
				Err:          err,
			}
		}

		if visited[norm] {
			return nil, &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
				Message:      "Alias loop detected",
				TargetName:   "local",
			}
		}
		visited[norm] = true

		expansions++
		if expansions > d.t.MaxExpansions {
			return nil, &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
				Message:      "Too many alias expansions",
				TargetName:   "local",
			}
		}

		entry, err := d.t.Resolver.Resolve(ctx, norm)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
					Message:      "No such mailbox",
					TargetName:   "local",
				}
			}
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Temporary address resolution error",
				TargetName:   "local",
				Err:          err,
			}
		}

		switch entry.Kind {
		case KindMailbox:
			return []mailbox{{id: entry.MailboxID, rcpt: rcptTo}}, nil
		case KindAlias:
			return walk(entry.Alias, visited)
		case KindList:
			var all []mailbox
			for _, member := range entry.Members {
				// Members are independent paths, a shared aliased mailbox
				// among them is not a loop. Each gets a copy of the path
				// walked so far.
				branch := make(map[string]bool, len(visited))
				for k := range visited {
					branch[k] = true
				}
				mbs, err := walk(member, branch)
				if err != nil {
					// A broken member address should not lose mail for the
					// rest of the list.
					d.log.Error("list member resolution failed", err, "list", norm, "member", member)
					continue
				}
				all = append(all, mbs...)
			}
			if len(all) == 0 {
				return nil, &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
					Message:      "Distribution list has no deliverable members",
					TargetName:   "local",
				}
			}
			return all, nil
		default:
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Unknown address entry kind",
				TargetName:   "local",
			}
		}
	}
	return walk(rcptTo, map[string]bool{})
}

// appendTo reserves quota for one mailbox and appends the message,
// rolling the reservation back if the append fails.
func (d *delivery) appendTo(ctx context.Context, mb mailbox, header textproto.Header, body buffer.Buffer) error {
	size := int64(body.Len())

	var res *quota.Reservation
	if d.t.Quota != nil {
		var err error
		res, err = d.t.Quota.TryReserve(ctx, mb.id, size)
		if err != nil {
			var over *quota.OverQuotaError
			if errors.As(err, &over) {
				return &exterrors.SMTPError{
					Code:         552,
					EnhancedCode: exterrors.EnhancedCode{5, 2, 2},
					Message:      "Mailbox is over storage quota",
					TargetName:   "local",
					Err:          err,
				}
			}
			return err
		}
	}

	msgID, err := d.t.Store.Append(ctx, mb.id, header, body)
	if err != nil {
		if res != nil {
			res.Release(ctx)
		}
		return exterrors.WithFields(err, map[string]interface{}{
			"target":  "local",
			"mailbox": mb.id,
		})
	}

	d.log.Debugf("appended message %s to mailbox %s", msgID, mb.id)
	return nil
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	for _, mb := range d.mboxes {
		if err := d.appendTo(ctx, mb, header, body); err != nil {
			return err
		}
	}
	return nil
}

// BodyNonAtomic implements module.PartialDelivery so that a failure for one
// recipient's mailboxes does not fail the whole message.
func (d *delivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	failed := map[string]error{}
	for _, mb := range d.mboxes {
		if err := d.appendTo(ctx, mb, header, body); err != nil {
			if prev, ok := failed[mb.rcpt]; !ok || exterrors.IsTemporary(prev) {
				failed[mb.rcpt] = err
			}
		}
	}
	for _, rcpt := range d.rcpts {
		c.SetStatus(rcpt, failed[rcpt])
	}
}

func (d *delivery) Abort(ctx context.Context) error {
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	return nil
}

// IsLocalDomain reports whether the address domain is in the passed set of
// domains served locally. Domains are compared case-insensitively.
func IsLocalDomain(domains map[string]bool, addr string) bool {
	_, domain, err := address.Split(addr)
	if err != nil {
		return false
	}
	return domains[strings.ToLower(domain)]
}
