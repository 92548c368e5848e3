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

// Package modify contains message modifiers that rewrite the envelope or
// the message body as it passes through the delivery pipeline.
package modify

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/module"
)

// Group wraps multiple modifiers and runs them serially.
type Group struct {
	Modifiers []module.Modifier
}

func (g Group) Name() string {
	return "modifiers"
}

func (g Group) InstanceName() string {
	return ""
}

func (g Group) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	states := make([]module.ModifierState, 0, len(g.Modifiers))
	for _, mod := range g.Modifiers {
		state, err := mod.ModStateForMsg(ctx, msgMeta)
		if err != nil {
			for _, opened := range states {
				opened.Close()
			}
			return nil, err
		}
		states = append(states, state)
	}
	return groupState{states: states}, nil
}

type groupState struct {
	states []module.ModifierState
}

func (gs groupState) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	for _, state := range gs.states {
		var err error
		mailFrom, err = state.RewriteSender(ctx, mailFrom)
		if err != nil {
			return "", err
		}
	}
	return mailFrom, nil
}

// RewriteRcpt feeds each address produced by one modifier into the next
// one, so a single recipient may fan out into multiple.
func (gs groupState) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	result := []string{rcptTo}
	for _, state := range gs.states {
		next := make([]string, 0, len(result))
		for _, addr := range result {
			expanded, err := state.RewriteRcpt(ctx, addr)
			if err != nil {
				return []string{""}, err
			}
			next = append(next, expanded...)
		}
		result = next
	}
	return result, nil
}

func (gs groupState) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	for _, state := range gs.states {
		if err := state.RewriteBody(ctx, h, body); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every state even if some of them fail, returning the last
// error seen.
func (gs groupState) Close() error {
	var lastErr error
	for _, state := range gs.states {
		if err := state.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
