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

package msgpipeline

import (
	"errors"
	"testing"

	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/modify"
	"github.com/marid-mta/marid/internal/testutils"
)

type multipleErrs map[string]error

func (m multipleErrs) SetStatus(rcptTo string, err error) {
	m[rcptTo] = err
}

func expectStatus(t *testing.T, c multipleErrs, rcpt string, want error) {
	t.Helper()

	got := c[rcpt]
	if want == nil {
		if got != nil {
			t.Errorf("unexpected error for %s: %v", rcpt, got)
		}
		return
	}
	if got == nil {
		t.Fatalf("no error for %s", rcpt)
	}
	if got.Error() != want.Error() {
		t.Errorf("wrong error for %s: %v", rcpt, got)
	}
}

func TestMsgPipeline_BodyNonAtomic(t *testing.T) {
	err := errors.New("go away")

	target := testutils.Target{
		PartialBodyErr: map[string]error{
			"tester@example.org": err,
		},
	}
	d := MsgPipeline{
		Remote: &target,
		Log:    testutils.Logger(t, "msgpipeline"),
	}

	c := multipleErrs{}
	testutils.DoTestDeliveryNonAtomic(t, c, &d, "sender@example.org", []string{"tester@example.org", "tester2@example.org"})

	expectStatus(t, c, "tester@example.org", err)
	expectStatus(t, c, "tester2@example.org", nil)
}

func TestMsgPipeline_BodyNonAtomic_ModifiedRcpt(t *testing.T) {
	// The failure is reported for the alias but the status must be set
	// using the pre-rewrite address.
	err := errors.New("go away")

	target := testutils.Target{
		PartialBodyErr: map[string]error{
			"tester-alias@example.org": err,
		},
	}
	d := MsgPipeline{
		Modifiers: modify.Group{
			Modifiers: []module.Modifier{
				testutils.Modifier{
					InstName: "test_modifier",
					RcptTo: map[string][]string{
						"tester@example.org": {"tester-alias@example.org"},
					},
				},
			},
		},
		Remote: &target,
		Log:    testutils.Logger(t, "msgpipeline"),
	}

	c := multipleErrs{}
	testutils.DoTestDeliveryNonAtomic(t, c, &d, "sender@example.org", []string{"tester@example.org"})

	expectStatus(t, c, "tester@example.org", err)
}

func TestMsgPipeline_BodyNonAtomic_AtomicTarget(t *testing.T) {
	// The local target does not implement PartialDelivery here so its
	// recipients all get the error returned by the atomic Body.
	err := errors.New("go away")

	remote := testutils.Target{
		PartialBodyErr: map[string]error{
			"tester@example.org": err,
		},
	}
	local := testutils.Target{BodyErr: err}
	d := MsgPipeline{
		LocalDomains: map[string]bool{"example.com": true},
		Local:        &local,
		Remote:       &remote,
		Log:          testutils.Logger(t, "msgpipeline"),
	}

	c := multipleErrs{}
	testutils.DoTestDeliveryNonAtomic(t, c, &d, "sender@example.org", []string{"tester@example.org", "tester2@example.com"})

	expectStatus(t, c, "tester@example.org", err)
	expectStatus(t, c, "tester2@example.com", err)
}
