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
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// SelectIDNA encodes domain into the representation the caller asked for:
// the NFC-normalized U-label form when ulabel is true, the A-label
// (Punycode) form otherwise.
func SelectIDNA(ulabel bool, domain string) (string, error) {
	if !ulabel {
		return idna.ToASCII(domain)
	}

	uDomain, err := idna.ToUnicode(domain)
	return norm.NFC.String(uDomain), err
}
