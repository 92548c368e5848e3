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

package dmarc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/go-mockdns"
)

func TestDMARC(t *testing.T) {
	// DKIM d=example.org, SPF checked but inconclusive. Aligns with a
	// From: at example.org (or a subdomain, with relaxed alignment) and
	// no other domain.
	orgResults := []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
		&authres.SPFResult{Value: authres.ResultNone, From: "example.org", Helo: "mx.example.org"},
	}

	check := func(zones map[string]mockdns.Zone, hdr string, results []authres.Result, wantPolicy Policy, wantRes authres.ResultValue) {
		t.Helper()
		v := NewVerifier(&mockdns.Resolver{Zones: zones})
		defer v.Close()

		hdrParsed, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(hdr)))
		if err != nil {
			panic(err)
		}
		v.FetchRecord(context.Background(), hdrParsed)
		evalRes, policy := v.Apply(results)

		if policy != wantPolicy {
			t.Errorf("expected applied policy to be '%v', got '%v'", wantPolicy, policy)
		}
		if evalRes.Authres.Value != wantRes {
			t.Errorf("expected DMARC result to be '%v', got '%v'", wantRes, evalRes.Authres.Value)
		}
	}
	dmarcZone := func(name string, txts ...string) map[string]mockdns.Zone {
		return map[string]mockdns.Zone{
			"_dmarc." + name + ".": {TXT: txts},
		}
	}

	// No policy => DMARC 'none'
	check(map[string]mockdns.Zone{}, "From: hello@example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultNone)

	// Policy present & identifiers align => DMARC 'pass'
	check(dmarcZone("example.org", "v=DMARC1; p=none"),
		"From: hello@example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPass)

	// No SPF check run => DMARC 'none', no action taken
	check(dmarcZone("example.org", "v=DMARC1; p=reject"),
		"From: hello@example.org\r\n\r\n", []authres.Result{
			&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
		}, PolicyNone, authres.ResultNone)

	// No DKIM check run => DMARC 'none', no action taken
	check(dmarcZone("example.org", "v=DMARC1; p=reject"),
		"From: hello@example.org\r\n\r\n", []authres.Result{
			&authres.SPFResult{Value: authres.ResultPass, From: "example.org", Helo: "mx.example.org"},
		}, PolicyNone, authres.ResultNone)

	// Check org. domain and from domain, prefer from domain.
	// https://tools.ietf.org/html/rfc7489#section-6.6.3
	check(dmarcZone("example.org", "v=DMARC1; p=none"),
		"From: hello@sub.example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPass)
	check(dmarcZone("sub.example.org", "v=DMARC1; p=none"),
		"From: hello@sub.example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPass)
	check(map[string]mockdns.Zone{
		"_dmarc.sub.example.org.": {TXT: []string{"v=DMARC1; p=none"}},
		"_dmarc.example.org.":     {TXT: []string{"v=malformed"}},
	}, "From: hello@sub.example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPass)

	// Non-DMARC records are ignored.
	// https://tools.ietf.org/html/rfc7489#section-6.6.3
	check(dmarcZone("example.org", "ignore", "v=DMARC1; p=none"),
		"From: hello@sub.example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPass)

	// Multiple policies => no policy.
	// https://tools.ietf.org/html/rfc7489#section-6.6.3
	check(dmarcZone("example.org", "v=DMARC1; p=reject", "v=DMARC1; p=none"),
		"From: hello@sub.example.org\r\n\r\n",
		orgResults, PolicyNone, authres.ResultNone)

	// Malformed policy => no policy
	check(dmarcZone("example.com", "v=aaaa"),
		"From: hello@example.com\r\n\r\n",
		orgResults, PolicyNone, authres.ResultNone)

	// Policy fetch error => DMARC 'permerror' but the message
	// is accepted.
	check(map[string]mockdns.Zone{
		"_dmarc.example.com.": {
			Err: errors.New("the dns server is going insane"),
		},
	}, "From: hello@example.com\r\n\r\n",
		orgResults, PolicyNone, authres.ResultPermError)

	// Temporary policy fetch error => DMARC 'temperror' and the message
	// is rejected ("fail closed")
	check(map[string]mockdns.Zone{
		"_dmarc.example.com.": {
			Err: &net.DNSError{
				Err:         "the dns server is going insane, temporary",
				IsTemporary: true,
			},
		},
	}, "From: hello@example.com\r\n\r\n",
		orgResults, PolicyReject, authres.ResultTempError)

	// Misaligned From vs DKIM => DMARC 'fail'.
	// Side note: More comprehensive tests for alignment evaluation
	// can be found in evaluate_test.go. These merely check that the
	// correct action is taken based on the policy.
	check(dmarcZone("example.com", "v=DMARC1; p=none"),
		"From: hello@example.com\r\n\r\n",
		orgResults, PolicyNone, authres.ResultFail)

	// Misaligned From vs DKIM => DMARC 'fail', policy says to reject
	check(dmarcZone("example.com", "v=DMARC1; p=reject"),
		"From: hello@example.com\r\n\r\n",
		orgResults, PolicyReject, authres.ResultFail)

	// Misaligned From vs DKIM => DMARC 'fail'
	// Subdomain policy requests no action, main domain policy says to reject.
	check(dmarcZone("example.com", "v=DMARC1; sp=none; p=reject"),
		"From: hello@sub.example.com\r\n\r\n",
		orgResults, PolicyNone, authres.ResultFail)

	// Misaligned From vs DKIM => DMARC 'fail', policy says to quarantine.
	check(dmarcZone("example.com", "v=DMARC1; p=quarantine"),
		"From: hello@example.com\r\n\r\n",
		orgResults, PolicyQuarantine, authres.ResultFail)
}
