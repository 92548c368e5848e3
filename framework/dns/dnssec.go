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
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/marid-mta/marid/framework/log"
	"github.com/miekg/dns"
)

type TLSA = dns.TLSA

// ExtResolver is a thin wrapper for the miekg/dns client that exposes the
// low-level response data the stdlib resolver hides. The important bit is
// the AD flag, which tells whether the recursive resolver did DNSSEC
// validation for the answer.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by ExtResolver when the RCODE in response is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

var rcodeNames = map[int]string{
	dns.RcodeFormatError:    "FORMERR",
	dns.RcodeServerFailure:  "SERVFAIL",
	dns.RcodeNameError:      "NXDOMAIN",
	dns.RcodeNotImplemented: "NOTIMP",
	dns.RcodeRefused:        "REFUSED",
}

func (err RCodeError) Error() string {
	name, ok := rcodeNames[err.Code]
	if !ok {
		return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
	}
	return "dns: rcode " + name + " when looking up " + err.Name
}

func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// authQuery builds a query for name/qtype with the AD flag raised and a
// large enough EDNS0 buffer for signed responses.
func authQuery(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true
	return msg
}

// answers pulls all RRs of type T out of the response answer section.
func answers[T dns.RR](resp *dns.Msg) []T {
	out := make([]T, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if v, ok := rr.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}

		// The AD flag is trustworthy only if the path to the resolver is.
		// Anything that is not on localhost talks over an unprotected
		// channel, so its flag is wiped.
		if !isLoopback(srv) {
			resp.AuthenticatedData = false
		}

		break
	}
	return resp, lastErr
}

func (e ExtResolver) AuthLookupAddr(ctx context.Context, addr string) (ad bool, names []string, err error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return false, nil, err
	}

	resp, err := e.exchange(ctx, authQuery(revAddr, dns.TypePTR))
	if err != nil {
		return false, nil, err
	}

	for _, ptr := range answers[*dns.PTR](resp) {
		names = append(names, ptr.Ptr)
	}
	return resp.AuthenticatedData, names, nil
}

func (e ExtResolver) AuthLookupHost(ctx context.Context, host string) (ad bool, addrs []string, err error) {
	ad, addrParsed, err := e.AuthLookupIPAddr(ctx, host)
	if err != nil {
		return false, nil, err
	}

	addrs = make([]string, 0, len(addrParsed))
	for _, addr := range addrParsed {
		addrs = append(addrs, addr.String())
	}
	return ad, addrs, nil
}

func (e ExtResolver) AuthLookupMX(ctx context.Context, name string) (ad bool, mxs []*net.MX, err error) {
	resp, err := e.exchange(ctx, authQuery(name, dns.TypeMX))
	if err != nil {
		return false, nil, err
	}

	for _, mx := range answers[*dns.MX](resp) {
		mxs = append(mxs, &net.MX{
			Host: mx.Mx,
			Pref: mx.Preference,
		})
	}
	return resp.AuthenticatedData, mxs, nil
}

func (e ExtResolver) AuthLookupTXT(ctx context.Context, name string) (ad bool, recs []string, err error) {
	resp, err := e.exchange(ctx, authQuery(name, dns.TypeTXT))
	if err != nil {
		return false, nil, err
	}

	for _, txt := range answers[*dns.TXT](resp) {
		recs = append(recs, strings.Join(txt.Txt, ""))
	}
	return resp.AuthenticatedData, recs, nil
}

// CheckCNAMEAD resolves the canonical (post-CNAME) name of host and reports
// whether the full chain, including the final zone, is signed.
//
// If host has neither A nor AAAA records, rname = "" is returned.
func (e ExtResolver) CheckCNAMEAD(ctx context.Context, host string) (ad bool, rname string, err error) {
	resp, err := e.exchange(ctx, authQuery(host, dns.TypeA))
	if err != nil {
		return false, "", err
	}

	for _, a := range answers[*dns.A](resp) {
		rname = a.Hdr.Name
		// The AD flag must come from the same response the canonical name
		// was taken from.
		ad = resp.AuthenticatedData
	}

	if rname == "" {
		// No A records, the host may be IPv6-only.
		resp, err := e.exchange(ctx, authQuery(host, dns.TypeAAAA))
		if err == nil {
			for _, aaaa := range answers[*dns.AAAA](resp) {
				rname = aaaa.Hdr.Name
				ad = resp.AuthenticatedData
			}
		}
	}

	return ad, rname, nil
}

func (e ExtResolver) AuthLookupCNAME(ctx context.Context, host string) (ad bool, cname string, err error) {
	resp, err := e.exchange(ctx, authQuery(host, dns.TypeCNAME))
	if err != nil {
		return false, "", err
	}

	for _, cnameRR := range answers[*dns.CNAME](resp) {
		return resp.AuthenticatedData, cnameRR.Target, nil
	}

	return resp.AuthenticatedData, "", nil
}

func (e ExtResolver) AuthLookupIPAddr(ctx context.Context, host string) (ad bool, addrs []net.IPAddr, err error) {
	v6ad, v6addrs, v6err := e.lookupV6(ctx, host)
	if v6err != nil {
		log.DefaultLogger.Error("Network I/O error during AAAA lookup", v6err, "host", host)
	}

	v4ad, v4addrs, v4err := e.lookupV4(ctx, host)
	if v4err != nil {
		if v6err != nil {
			return false, nil, v4err
		}
		// One address family resolving is enough to attempt delivery.
		log.DefaultLogger.Error("Network I/O error during A lookup, using AAAA records", v4err, "host", host)
	}

	// The AD flag can differ between the A and AAAA responses and this does
	// happen in the wild. DANE cares about the authenticated subset only,
	// so unauthenticated AAAA records are dropped whenever the other family
	// is authenticated.
	addrs = make([]net.IPAddr, 0, len(v4addrs)+len(v6addrs))
	if v6ad || !v4ad {
		addrs = append(addrs, v6addrs...)
	}
	addrs = append(addrs, v4addrs...)
	return v4ad, addrs, nil
}

func (e ExtResolver) lookupV6(ctx context.Context, host string) (ad bool, addrs []net.IPAddr, err error) {
	resp, err := e.exchange(ctx, authQuery(host, dns.TypeAAAA))
	if err != nil {
		return false, nil, err
	}
	for _, aaaa := range answers[*dns.AAAA](resp) {
		addrs = append(addrs, net.IPAddr{IP: aaaa.AAAA})
	}
	return resp.AuthenticatedData, addrs, nil
}

func (e ExtResolver) lookupV4(ctx context.Context, host string) (ad bool, addrs []net.IPAddr, err error) {
	resp, err := e.exchange(ctx, authQuery(host, dns.TypeA))
	if err != nil {
		return false, nil, err
	}
	for _, a := range answers[*dns.A](resp) {
		addrs = append(addrs, net.IPAddr{IP: a.A})
	}
	return resp.AuthenticatedData, addrs, nil
}

func (e ExtResolver) AuthLookupTLSA(ctx context.Context, service, network, domain string) (ad bool, recs []TLSA, err error) {
	name, err := dns.TLSAName(domain, service, network)
	if err != nil {
		return false, nil, err
	}

	resp, err := e.exchange(ctx, authQuery(name, dns.TypeTLSA))
	if err != nil {
		return false, nil, err
	}

	for _, tlsa := range answers[*dns.TLSA](resp) {
		recs = append(recs, *tlsa)
	}
	return resp.AuthenticatedData, recs, nil
}

func NewExtResolver() (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	if overrideServ != "" && overrideServ != "system-default" {
		host, port, err := net.SplitHostPort(overrideServ)
		if err != nil {
			panic(err)
		}
		cfg.Servers = []string{host}
		cfg.Port = port
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{
		cl:  cl,
		Cfg: cfg,
	}, nil
}
