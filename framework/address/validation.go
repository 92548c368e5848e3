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
	"strings"

	"golang.org/x/net/idna"
)

// Validation implements a subset of the rules summarized at
// https://emailregex.com/email-validation-summary/

// Valid reports whether the string is usable as an RFC 5321 email address.
func Valid(addr string) bool {
	// RFC 3696 sets the total limit at 320, not 255.
	if len(addr) > 320 {
		return false
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if domain == "" {
		// Split returns an empty domain only for "postmaster".
		return true
	}

	return ValidMailboxName(mbox) && ValidDomain(domain)
}

// atext specials permitted in a dot-atom, plus the dot itself.
const mboxGraphics = "!#$%&'*+-/=?^_`{|}~."

// ValidMailboxName reports whether the string is acceptable as the
// mailbox-name part of an address (everything before the at-sign).
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		raw, err := UnquoteMbox(mbox)
		if err != nil {
			return false
		}

		// A quoted string may carry any ASCII graphic or space, and RFC 6531
		// additionally permits arbitrary UTF-8. Only control characters are
		// rejected.
		return !strings.ContainsFunc(raw, func(ch rune) bool {
			return ch < ' ' || ch == 0x7F
		})
	}

	// Unquoted: ASCII alphanumerics plus a limited set of graphics.
	// RFC 6531 extends the set with any non-ASCII UTF-8.
	return !strings.ContainsFunc(mbox, func(ch rune) bool {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'A' && ch <= 'Z':
		case ch >= 'a' && ch <= 'z':
		case ch > 0x7F:
		case strings.ContainsRune(mboxGraphics, ch):
		default:
			return true
		}
		return false
	})
}

// ValidDomain reports whether the string is usable as a DNS domain.
func ValidDomain(domain string) bool {
	switch {
	case len(domain) == 0 || len(domain) > 255:
		return false
	case strings.HasPrefix(domain, "."):
		return false
	case strings.Contains(domain, ".."):
		return false
	}

	// Label length limits apply to the A-label form, while the rest of the
	// engine keeps domains as U-labels for lookups.
	domainASCII, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(domainASCII, ".") {
		if len(label) > 64 {
			return false
		}
	}

	return true
}
