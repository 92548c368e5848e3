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
	"net"
	"strconv"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/internal/testutils"
	miekgdns "github.com/miekg/dns"
)

const (
	// SPKI SHA-256 of the certificate testutils.SMTPServerSTARTTLS serves.
	tlsaGoodHash = "a9b5cb4d02f996f6385debe9a8952f1af1f4aec7eae0f37c2cd6d0d8ee8391cf"
	tlsaBadHash  = "ffb5cb4d02f996f6385debe9a8952f1af1f4aec7eae0f37c2cd6d0d8ee8391cf"
)

// patchedExtResolver starts an in-process mockdns server and returns a
// DNSSEC-aware resolver pointed at it.
func patchedExtResolver(t *testing.T, zones map[string]mockdns.Zone) (*mockdns.Server, *dns.ExtResolver) {
	t.Helper()

	dnsSrv, err := mockdns.NewServerWithLogger(zones, testutils.Logger(t, "mockdns"), false)
	if err != nil {
		t.Fatal(err)
	}

	dialer := net.Dialer{}
	dialer.Resolver = &net.Resolver{}
	dnsSrv.PatchNet(dialer.Resolver)
	addr := dnsSrv.LocalAddr().(*net.UDPAddr)

	extResolver, err := dns.NewExtResolver()
	if err != nil {
		t.Fatal(err)
	}
	extResolver.Cfg.Servers = []string{addr.IP.String()}
	extResolver.Cfg.Port = strconv.Itoa(addr.Port)

	return dnsSrv, extResolver
}

// daneTestTarget builds a Target with the DANE policy attached and its
// resolver patched via patchedExtResolver.
func daneTestTarget(t *testing.T, zones map[string]mockdns.Zone) (*mockdns.Server, *Target) {
	dnsSrv, extResolver := patchedExtResolver(t, zones)
	tgt := testTarget(t, zones, extResolver, []Policy{
		testDANEPolicy(t, extResolver),
	})
	return dnsSrv, tgt
}

// tlsaRR builds a DANE-EE SPKI SHA-256 (usage 3, selector 1, matching 1)
// TLSA record set for the Misc field of a mockdns zone.
func tlsaRR(name, cert string) map[miekgdns.Type][]miekgdns.RR {
	return map[miekgdns.Type][]miekgdns.RR{
		miekgdns.Type(miekgdns.TypeTLSA): {
			&miekgdns.TLSA{
				Hdr: miekgdns.RR_Header{
					Name:   name,
					Class:  miekgdns.ClassINET,
					Rrtype: miekgdns.TypeTLSA,
					Ttl:    9999,
				},
				Usage:        3,
				MatchingType: 1,
				Selector:     1,
				Certificate:  cert,
			},
		},
	}
}

// daneZones is the RFC 7672 Section 2.2.2 "Non-CNAME" baseline: a single MX
// whose address record chain is signed.
func daneZones() map[string]mockdns.Zone {
	return map[string]mockdns.Zone{
		"example.invalid.":    {MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}}},
		"mx.example.invalid.": {AD: true, A: []string{"127.0.0.1"}},
	}
}

// requireAuthTLS adds a local policy floor so that only an authenticated TLS
// channel (PKIX or DANE) lets the delivery through.
func requireAuthTLS(tgt *Target) {
	tgt.policies = append(tgt.policies, &localPolicy{minTLSLevel: TLSAuthenticated})
}

func checkDeliveryOk(t *testing.T, tgt *Target, be *testutils.SMTPBackend) {
	t.Helper()
	testutils.DoTestDelivery(t, tgt, "test@example.com", []string{"test@example.invalid"})
	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
}

// checkDeliveryRefused asserts that the delivery fails before the SMTP
// transaction even starts.
func checkDeliveryRefused(t *testing.T, tgt *Target, be *testutils.SMTPBackend) {
	t.Helper()
	_, err := testutils.DoTestDeliveryErr(t, tgt, "test@example.com", []string{"test@example.invalid"})
	if err == nil {
		t.Error("Expected an error, got none")
	}
	if be.MailFromCounter != 0 {
		t.Fatal("MAIL FROM issued but should not")
	}
}

func TestRemoteDelivery_DANE_Ok(t *testing.T) {
	_, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	zones := daneZones()
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		AD:   true,
		Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaGoodHash),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	// DANE authenticates the channel even though PKIX verification of the
	// self-signed test certificate would fail.
	requireAuthTLS(tgt)

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_CNAMEd_1(t *testing.T) {
	_, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	// RFC 7672, Section 2.2.2. "Secure CNAME", TLSA published at the CNAME
	// target.
	zones := map[string]mockdns.Zone{
		"example.invalid.":    {MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}}},
		"mx.example.invalid.": {AD: true, CNAME: "mx.cname.invalid."},
		"mx.cname.invalid.":   {A: []string{"127.0.0.1"}},
		"_25._tcp.mx.cname.invalid.": {
			AD:   true,
			Misc: tlsaRR("_25._tcp.mx.cname.invalid.", tlsaGoodHash),
		},
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	requireAuthTLS(tgt)

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_CNAMEd_2(t *testing.T) {
	_, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	// RFC 7672, Section 2.2.2. "Secure CNAME", TLSA published at the
	// initial name.
	zones := map[string]mockdns.Zone{
		"example.invalid.":    {MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}}},
		"mx.example.invalid.": {AD: true, CNAME: "mx.cname.invalid."},
		"mx.cname.invalid.":   {AD: true, A: []string{"127.0.0.1"}},
		"_25._tcp.mx.example.invalid.": {
			AD:   true,
			Misc: tlsaRR("_25._tcp.mx.cname.invalid.", tlsaGoodHash),
		},
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	requireAuthTLS(tgt)

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_InsecureCNAMEDest(t *testing.T) {
	clientCfg, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	// RFC 7672, Section 2.2.2. "Insecure CNAME": the initial name is signed
	// but the CNAME target is not.
	zones := map[string]mockdns.Zone{
		"example.invalid.":    {MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}}},
		"mx.example.invalid.": {AD: true, CNAME: "mx.cname.invalid."},
		"_25._tcp.mx.example.invalid.": {
			AD: true,
			// Signed, activates DANE, does not match the served cert.
			Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaBadHash),
		},
		"_25._tcp.mx.cname.invalid.": {
			AD: false,
			// Matches the cert but must be ignored without AD.
			Misc: tlsaRR("_25._tcp.mx.cname.invalid.", tlsaGoodHash),
		},
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	tgt.tlsConfig = clientCfg

	checkDeliveryRefused(t, tgt, be)
}

func TestRemoteDelivery_DANE_NonAD_TLSA_Ignore(t *testing.T) {
	be := startServer(t, "127.0.0.1:"+smtpPort)

	// Unsigned address chain: the TLSA record set cannot be trusted, so
	// DANE stays off and even plaintext goes through.
	zones := daneZones()
	zones["mx.example.invalid."] = mockdns.Zone{A: []string{"127.0.0.1"}}
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaBadHash),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_NonADIgnore_CNAME(t *testing.T) {
	be := startServer(t, "127.0.0.1:"+smtpPort)

	// RFC 7672, Section 2.2.2. "Insecure CNAME" with an unsigned initial
	// name: records at the CNAME target are not considered.
	zones := map[string]mockdns.Zone{
		"example.invalid.":    {MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}}},
		"mx.example.invalid.": {CNAME: "mx.cname.invalid."},
		"mx.cname.invalid.":   {A: []string{"127.0.0.1"}},
		"_25._tcp.mx.cname.invalid.": {
			AD:   true,
			Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaBadHash),
		},
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_SkipAUnauth(t *testing.T) {
	clientCfg, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	zones := daneZones()
	zones["mx.example.invalid."] = mockdns.Zone{A: []string{"127.0.0.1"}}
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		AD: false,
		Misc: tlsaRR("_25._tcp.mx.example.invalid.",
			"invalid hex will cause serialization error and no response will be sent"),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	tgt.tlsConfig = clientCfg

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_Mismatch(t *testing.T) {
	clientCfg, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	zones := daneZones()
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		AD:   true,
		Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaBadHash),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	tgt.tlsConfig = clientCfg

	checkDeliveryRefused(t, tgt, be)
}

func TestRemoteDelivery_DANE_NoRecord(t *testing.T) {
	clientCfg, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	// No TLSA record set at all: opportunistic behavior is kept.
	dnsSrv, tgt := daneTestTarget(t, daneZones())
	defer dnsSrv.Close()
	tgt.tlsConfig = clientCfg

	checkDeliveryOk(t, tgt, be)
}

func TestRemoteDelivery_DANE_LookupErr(t *testing.T) {
	clientCfg, be, _ := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	// A failing TLSA lookup is indistinguishable from a downgrade, so the
	// delivery must not proceed.
	zones := daneZones()
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{Err: &net.DNSError{}}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()
	tgt.tlsConfig = clientCfg

	checkDeliveryRefused(t, tgt, be)
}

func TestRemoteDelivery_DANE_NoTLS(t *testing.T) {
	be := startServer(t, "127.0.0.1:"+smtpPort)

	// Usable TLSA records but the server offers no STARTTLS.
	zones := daneZones()
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		AD:   true,
		Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaGoodHash),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()

	checkDeliveryRefused(t, tgt, be)
}

func TestRemoteDelivery_DANE_TLSError(t *testing.T) {
	_, be, srv := startServerSTARTTLS(t, "127.0.0.1:"+smtpPort)

	zones := daneZones()
	zones["example.invalid."] = mockdns.Zone{
		AD: true,
		MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
	}
	zones["_25._tcp.mx.example.invalid."] = mockdns.Zone{
		AD:   true,
		Misc: tlsaRR("_25._tcp.mx.example.invalid.", tlsaGoodHash),
	}

	dnsSrv, tgt := daneTestTarget(t, zones)
	defer dnsSrv.Close()

	// Handshake fails on protocol version, and with DANE active the
	// plaintext fallback is forbidden.
	tgt.tlsConfig = &tls.Config{
		MaxVersion: tls.VersionTLS13,
		MinVersion: tls.VersionTLS13,
	}
	srv.TLSConfig.MinVersion = tls.VersionTLS12
	srv.TLSConfig.MaxVersion = tls.VersionTLS12

	checkDeliveryRefused(t, tgt, be)
}
