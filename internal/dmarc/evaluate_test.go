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
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
)

func spf(v authres.ResultValue, from, helo string) *authres.SPFResult {
	return &authres.SPFResult{Value: v, From: from, Helo: helo}
}

func dkim(v authres.ResultValue, domain string) *authres.DKIMResult {
	return &authres.DKIMResult{Value: v, Domain: domain}
}

func TestEvaluateAlignment(t *testing.T) {
	cases := []struct {
		name       string
		fromDomain string
		record     *Record
		results    []authres.Result

		want authres.ResultValue
	}{
		{
			name:       "no mechanism results",
			fromDomain: "example.org",
			record:     &Record{},
			want:       authres.ResultNone,
		},
		{
			name:       "both mechanisms did not authenticate",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultFail, "example.org", "mx.example.org"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "aligned SPF pass",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "example.org", "mx.example.org"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "aligned SPF fail",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultFail, "example.org", "mx.example.org"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "SPF pass for unrelated domain",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "example.com", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "relaxed SPF alignment via org domain",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "strict SPF alignment rejects subdomain",
			fromDomain: "example.com",
			record:     &Record{SPFAlignment: dmarc.AlignmentStrict},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "aligned DKIM fail",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultFail, "example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "aligned DKIM pass",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultPass, "example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "both mechanisms pass",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultPass, "example.com"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "SPF compensates failed DKIM",
			fromDomain: "example.com",
			record:     &Record{SPFAlignment: dmarc.AlignmentRelaxed},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultFail, "example.com"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "DKIM compensates strictly misaligned SPF",
			fromDomain: "example.com",
			record:     &Record{SPFAlignment: dmarc.AlignmentStrict},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultPass, "example.com"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "strict alignment for both mechanisms",
			fromDomain: "example.com",
			record: &Record{
				SPFAlignment:  dmarc.AlignmentStrict,
				DKIMAlignment: dmarc.AlignmentStrict,
			},
			results: []authres.Result{
				spf(authres.ResultPass, "cbg.bounces.example.com", "mx.example.com"),
				dkim(authres.ResultFail, "cbg.example.com"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "one passing signature among many",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultFail, "example.org"),
				dkim(authres.ResultPass, "example.net"),
				dkim(authres.ResultPass, "example.org"),
				dkim(authres.ResultFail, "example.com"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "null sender aligns via HELO",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "null sender HELO misaligned strictly",
			fromDomain: "example.com",
			record:     &Record{SPFAlignment: dmarc.AlignmentStrict},
			results: []authres.Result{
				spf(authres.ResultPass, "", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "SPF temporary error",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultTempError, "", "mx.example.com"),
				dkim(authres.ResultNone, "example.org"),
			},
			want: authres.ResultTempError,
		},
		{
			name:       "DKIM temporary error",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultTempError, "example.com"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultTempError,
		},
		{
			name:       "DKIM pass masks SPF temporary error",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultTempError, "", "mx.example.com"),
				dkim(authres.ResultPass, "example.com"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "SPF pass masks DKIM temporary error",
			fromDomain: "example.com",
			record:     &Record{},
			results: []authres.Result{
				spf(authres.ResultPass, "", "mx.example.com"),
				dkim(authres.ResultTempError, "example.com"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "passing signature masks temp-erroring one",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultPass, "example.org"),
				dkim(authres.ResultTempError, "example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultPass,
		},
		{
			name:       "temp-erroring signature makes failure inconclusive",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultFail, "example.org"),
				dkim(authres.ResultTempError, "example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultTempError,
		},
		{
			name:       "neither mechanism produced a result",
			fromDomain: "example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultNone, "example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultFail,
		},
		{
			name:       "relaxed DKIM alignment for subdomain sender",
			fromDomain: "sub.example.org",
			record:     &Record{},
			results: []authres.Result{
				dkim(authres.ResultPass, "mx.example.org"),
				spf(authres.ResultNone, "example.org", "mx.example.org"),
			},
			want: authres.ResultPass,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			out := EvaluateAlignment(tc.fromDomain, tc.record, tc.results)
			if out.Authres.Value != tc.want {
				t.Errorf("want '%s', got '%s' (%+v)", tc.want, out.Authres.Value, out)
			}
		})
	}
}

func TestExtractFromDomain(t *testing.T) {
	cases := []struct {
		hdr string

		fromDomain string // empty means an error is expected
	}{
		{hdr: `From: <test@example.org>`, fromDomain: "example.org"},
		{hdr: `From: <test@foo.example.org>`, fromDomain: "foo.example.org"},
		{hdr: `From: <test@foo.example.org>, <test@bar.example.org>`},
		{hdr: "From: <test@foo.example.org>,\nFrom: <test@bar.example.org>"},
		{hdr: `From: <test@>`},
		{hdr: `From: `},
		{hdr: `From: foo`},
	}

	for _, tc := range cases {
		hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(tc.hdr + "\n\n")))
		if err != nil {
			panic(err)
		}

		domain, err := ExtractFromDomain(hdr)
		if tc.fromDomain == "" {
			if err == nil {
				t.Errorf("%q: expected failure, got fromDomain = %s", tc.hdr, domain)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.hdr, err)
			continue
		}
		if domain != tc.fromDomain {
			t.Errorf("%q: want fromDomain = %v but got %s", tc.hdr, tc.fromDomain, domain)
		}
	}
}
