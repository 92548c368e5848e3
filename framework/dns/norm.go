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

package dns

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// ForLookup brings the domain into the canonical form used as a map key and
// for comparisons: U-labels, NFC, lower-case, no trailing dot. Use it where
// strings.ToLower would otherwise be reached for.
//
// A domain with invalid UTF-8 or broken A-labels is lower-cased as-is and
// the conversion error is returned alongside.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}

	// strings.ToLower does not implement full case-folding, hence the NFC
	// normalization beforehand.
	uDomain = norm.NFC.String(uDomain)
	return strings.TrimSuffix(strings.ToLower(uDomain), "."), nil
}

// Equal compares two domains under IDNA2008 (RFC 5890) equivalence. Use it
// where strings.EqualFold would otherwise be reached for.
//
// Domains with malformed A-labels fall back to case-folded byte comparison.
func Equal(domain1, domain2 string) bool {
	// Bit-equal implies semantically equal.
	if domain1 == domain2 {
		return true
	}

	uDomain1, _ := ForLookup(domain1)
	uDomain2, _ := ForLookup(domain2)
	return uDomain1 == uDomain2
}
