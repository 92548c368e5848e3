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
	"errors"
	"strings"
)

// Split separates a forward-path token (RFC 5321) into the local part and the
// domain.
//
// The forward-path grammar permits a bare "postmaster" without any domain, so
// callers must be prepared for domain == "".
//
// No validation beyond locating the separator is performed here. Pass the
// results through ValidMailbox and ValidDomain when stricter checking is
// needed.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	at := strings.LastIndexByte(addr, '@')
	switch {
	case at == -1:
		return "", "", errors.New("address: missing at-sign")
	case at == 0:
		return "", "", errors.New("address: empty local-part")
	case at == len(addr)-1:
		return "", "", errors.New("address: empty domain")
	}
	return addr[:at], addr[at+1:], nil
}

// UnquoteMbox strips the quoting and escaping from the local-part, turning
// e.g. `"test\" @ test"` into `test" @ test`.
func UnquoteMbox(mbox string) (string, error) {
	var (
		out     strings.Builder
		quoted  bool
		escaped bool
		closed  bool
	)
	for _, ch := range mbox {
		if closed {
			return "", errors.New("address: closing quote should be right before at-sign")
		}

		if !escaped {
			switch ch {
			case '"':
				quoted = !quoted
				if !quoted {
					closed = true
				}
				continue
			case '\\':
				if !quoted {
					return "", errors.New("address: escapes are allowed only in quoted strings")
				}
				escaped = true
				continue
			case '@':
				if !quoted {
					return "", errors.New("address: extra at-sign in non-quoted local-part")
				}
			}
		}

		escaped = false
		out.WriteRune(ch)
	}

	if out.Len() == 0 {
		return "", errors.New("address: empty local part")
	}
	return out.String(), nil
}

// RFC 5322 "specials" minus the dot, which the grammar keeps separate.
const mboxSpecials = "()<>[]:;@\\,\" "

// QuoteMbox wraps the local-part in double quotes when it contains characters
// that are not allowed in a dot-atom, escaping backslashes and quotes.
// Local parts that need no quoting are returned unmodified.
func QuoteMbox(mbox string) string {
	var out strings.Builder
	out.Grow(len(mbox))
	needQuotes := false
	for _, ch := range mbox {
		if strings.ContainsRune(mboxSpecials, ch) {
			needQuotes = true
			if ch == '\\' || ch == '"' {
				out.WriteRune('\\')
			}
		}
		out.WriteRune(ch)
	}
	if needQuotes {
		return `"` + out.String() + `"`
	}
	return mbox
}
