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
	"github.com/emersion/go-smtp"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/module"
)

// Check is a fake module.Check that returns canned results and counts how
// many times each stage ran.
type Check struct {
	InitErr   error
	EarlyErr  error
	ConnRes   module.CheckResult
	SenderRes module.CheckResult
	RcptRes   module.CheckResult
	BodyRes   module.CheckResult

	ConnCalls   int
	SenderCalls int
	RcptCalls   int
	BodyCalls   int

	UnclosedStates int

	InstName string
}

func (c *Check) Name() string {
	return "test_check"
}

func (c *Check) InstanceName() string {
	if c.InstName == "" {
		return "test_check"
	}
	return c.InstName
}

func (c *Check) CheckConnection(ctx context.Context, conn *smtp.Conn) error {
	return c.EarlyErr
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	if c.InitErr != nil {
		return nil, c.InitErr
	}

	c.UnclosedStates++
	return &checkMsgState{meta: msgMeta, parent: c}, nil
}

type checkMsgState struct {
	meta   *module.MsgMetadata
	parent *Check
}

func (cs *checkMsgState) CheckConnection(ctx context.Context) module.CheckResult {
	cs.parent.ConnCalls++
	return cs.parent.ConnRes
}

func (cs *checkMsgState) CheckSender(ctx context.Context, from string) module.CheckResult {
	cs.parent.SenderCalls++
	return cs.parent.SenderRes
}

func (cs *checkMsgState) CheckRcpt(ctx context.Context, to string) module.CheckResult {
	cs.parent.RcptCalls++
	return cs.parent.RcptRes
}

func (cs *checkMsgState) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	cs.parent.BodyCalls++
	return cs.parent.BodyRes
}

func (cs *checkMsgState) Close() error {
	cs.parent.UnclosedStates--
	return nil
}
