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

package remote

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
)

// Set in tests to make DANE-TA verification deterministic.
var verifyDANETime time.Time

// usableTLSA reports whether the record carries a parameter combination we
// can act on. RFC 7672 Section 3.1 limits SMTP to DANE-TA(2) and DANE-EE(3).
func usableTLSA(rec dns.TLSA) bool {
	if rec.Usage != 2 && rec.Usage != 3 {
		return false
	}
	if rec.MatchingType > 2 {
		return false
	}
	return rec.Selector == 0 || rec.Selector == 1
}

// matchTA attempts DANE-TA matching: the record identifies a trust anchor
// somewhere in the presented chain and the server certificate must chain up
// to it.
func matchTA(rec dns.TLSA, connState tls.ConnectionState) bool {
	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         x509.NewCertPool(),
		CurrentTime:   verifyDANETime,
	}

	foundTA := false
	for _, cert := range connState.PeerCertificates {
		if !foundTA && cert.IsCA && rec.Verify(cert) == nil {
			opts.Roots.AddCert(cert)
			foundTA = true
		}
		opts.Intermediates.AddCert(cert)
	}
	if !foundTA {
		return false
	}

	_, err := connState.PeerCertificates[0].Verify(opts)
	return err == nil
}

// verifyDANE checks whether TLSA records require TLS use and match the
// certificate and name used by the server.
//
// overridePKIX result indicates whether DANE should make server authentication
// succeed even if PKIX/X.509 verification fails. That is, if InsecureSkipVerify
// is used and verifyDANE returns overridePKIX=true, the server certificate
// should be trusted.
//
// Matching logic follows the pseudocode in RFC 6698 Appendix B.2, with the
// discovery requirements of RFC 7672 Section 2.2 layered on top. A bogus
// DNSSEC signature is reported by the resolver as an error, so an empty recs
// slice here means authenticated denial of existence.
func verifyDANE(recs []dns.TLSA, connState tls.ConnectionState) (overridePKIX bool, err error) {
	if len(recs) == 0 {
		return false, nil
	}

	// A non-empty RRset mandates TLS no matter what the records say.
	if !connState.HandshakeComplete {
		return false, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "TLS is required but unsupported or failed (enforced by DANE)",
			TargetName:   "remote",
			Misc: map[string]interface{}{
				"remote_server": connState.ServerName,
			},
		}
	}

	valid := recs[:0]
	for _, rec := range recs {
		if usableTLSA(rec) {
			valid = append(valid, rec)
		}
	}

	// All records unusable: TLS stays mandatory, authentication does not
	// (RFC 7672 Section 2.2).
	if len(valid) == 0 {
		return false, nil
	}

	for _, rec := range valid {
		switch rec.Usage {
		case 2: // DANE-TA
			if matchTA(rec, connState) {
				return true, nil
			}
		case 3: // DANE-EE
			if rec.Verify(connState.PeerCertificates[0]) == nil {
				// RFC 7672 Section 3.1.1: name checks and expiration do not
				// apply to DANE-EE, so the match alone authenticates.
				return true, nil
			}
		}
	}

	return false, &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
		TargetName:   "remote",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}
}
