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

package testutils

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/module"
)

// Modifier is a configurable fake implementing module.Modifier.
//
// Sender and recipient rewrites are looked up in the MailFrom and RcptTo
// maps, addresses without an entry pass through unchanged. Any of the *Err
// fields, when set, makes the corresponding step fail.
type Modifier struct {
	InstName string

	InitErr     error
	MailFromErr error
	RcptToErr   error
	BodyErr     error

	MailFrom map[string]string
	RcptTo   map[string][]string
	AddHdr   textproto.Header

	UnclosedStates int
}

func (m Modifier) Name() string {
	return "test_modifier"
}

func (m Modifier) InstanceName() string {
	return m.InstName
}

func (m Modifier) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	if m.InitErr != nil {
		return nil, m.InitErr
	}

	m.UnclosedStates++
	return modifierMsgState{mod: &m}, nil
}

type modifierMsgState struct {
	mod *Modifier
}

func (ms modifierMsgState) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	if ms.mod.MailFromErr != nil {
		return "", ms.mod.MailFromErr
	}

	if repl, ok := ms.mod.MailFrom[mailFrom]; ok {
		return repl, nil
	}
	return mailFrom, nil
}

func (ms modifierMsgState) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	if ms.mod.RcptToErr != nil {
		return []string{""}, ms.mod.RcptToErr
	}

	if repl, ok := ms.mod.RcptTo[rcptTo]; ok {
		return repl, nil
	}
	return []string{rcptTo}, nil
}

func (ms modifierMsgState) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	if ms.mod.BodyErr != nil {
		return ms.mod.BodyErr
	}

	for field := ms.mod.AddHdr.Fields(); field.Next(); {
		h.Add(field.Key(), field.Value())
	}
	return nil
}

func (ms modifierMsgState) Close() error {
	ms.mod.UnclosedStates--
	return nil
}
