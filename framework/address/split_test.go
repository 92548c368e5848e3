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

package address

import (
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr   string
		mbox   string
		domain string
		fail   bool
	}{
		{addr: "simple@example.org", mbox: "simple", domain: "example.org"},
		{addr: "simple@[1.2.3.4]", mbox: "simple", domain: "[1.2.3.4]"},
		{addr: "simple@[IPv6:beef::1]", mbox: "simple", domain: "[IPv6:beef::1]"},
		{addr: "@example.org", fail: true},
		{addr: "@", fail: true},
		{addr: "no-domain@", fail: true},
		{addr: "@no-local-part", fail: true},
		// Null reverse-path. It is a special SMTP value, callers handle it
		// before splitting where it is permitted.
		{addr: "", fail: true},
		// Also special, but accepted without the domain.
		{addr: "postmaster", mbox: "postmaster"},
	}

	for _, tc := range cases {
		mbox, domain, err := Split(tc.addr)
		if err != nil && !tc.fail {
			t.Errorf("%q: unexpected error: %v", tc.addr, err)
			continue
		}
		if err == nil && tc.fail {
			t.Errorf("%q: expected error, got %q, %q", tc.addr, mbox, domain)
			continue
		}
		if mbox != tc.mbox {
			t.Errorf("%q: wrong local part, want %q, got %q", tc.addr, tc.mbox, mbox)
		}
		if domain != tc.domain {
			t.Errorf("%q: wrong domain part, want %q, got %q", tc.addr, tc.domain, domain)
		}
	}
}

func TestUnquoteMbox(t *testing.T) {
	cases := []struct {
		in   string
		want string
		fail bool
	}{
		{in: `no\@no`, fail: true},
		{in: "no@no", fail: true},
		{in: `no\"no`, fail: true},
		{in: `"no\"no"`, want: `no"no`},
		{in: `"no@no"`, want: `no@no`},
		{in: `"no no"`, want: `no no`},
		{in: `"no\\no"`, want: `no\no`},
		{in: `"no"no`, fail: true},
		{in: `postmaster`, want: "postmaster"},
		{in: `foo`, want: "foo"},
	}

	for _, tc := range cases {
		got, err := UnquoteMbox(tc.in)
		if err != nil && !tc.fail {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if err == nil && tc.fail {
			t.Errorf("%q: expected error, got %q", tc.in, got)
			continue
		}
		if !tc.fail && got != tc.want {
			t.Errorf("%q: want %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestQuoteMbox(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: `no"no`, want: `"no\"no"`},
		{in: `no@no`, want: `"no@no"`},
		{in: `no no`, want: `"no no"`},
		{in: `no\no`, want: `"no\\no"`},
		{in: "postmaster", want: `postmaster`},
		{in: "foo", want: `foo`},
	}

	for _, tc := range cases {
		if got := QuoteMbox(tc.in); got != tc.want {
			t.Errorf("%q: want %q, got %q", tc.in, tc.want, got)
		}
	}
}
