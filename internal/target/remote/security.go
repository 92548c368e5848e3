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
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/foxcpp/go-mtasts"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/future"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/target"
)

type (
	// Policy guards outbound connections. An implementation does exactly one
	// of the following:
	//
	// - Compare the effective TLS or MX level against a floor, local or
	// discovered (the local policy).
	//
	// - Raise a security level once a condition about the MX or the
	// connection holds. DANE raises the TLS level to Authenticated when a
	// matching TLSA record exists.
	//
	// - Refuse the connection when a condition does NOT hold. An enforced
	// MTA-STS policy refuses MX records it does not cover.
	//
	// Mixing these behaviors in one implementation is discouraged.
	Policy interface {
		Start(*module.MsgMetadata) DeliveryPolicy
		Close() error
	}

	// DeliveryPolicy is the per-delivery counterpart of Policy. It verifies
	// the security that a particular MX record and TLS connection provide.
	DeliveryPolicy interface {
		// PrepareDomain runs before the MX lookup for the recipient domain.
		// Lookups the policy needs for CheckMX or CheckConn may be started
		// here asynchronously; errors are reported from the Check* call that
		// needed the lookup.
		PrepareDomain(ctx context.Context, domain string)

		// PrepareConn runs before the connection attempt, under the same
		// rules as PrepareDomain.
		PrepareConn(ctx context.Context, mx string)

		// CheckMX decides whether the MX host may be used. mxLevel is the
		// level established by the previously consulted policies. dnssec is
		// true when the MX RRset was obtained via a validating resolver from
		// a signed zone.
		//
		// The domain argument lets stateless policies avoid keeping
		// per-delivery state.
		CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error)

		// CheckConn decides whether the established connection may carry the
		// message. tlsLevel is the level established by the previously
		// consulted policies.
		//
		// tlsState.HandshakeComplete false means plaintext. A nil
		// tlsState.VerifiedChains means InsecureSkipVerify was in effect and
		// neither ServerName nor the PKI chain was checked.
		CheckConn(ctx context.Context, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error)

		// Reset drops per-message state so the object can serve the next
		// message. newMsg is nil when the object is being discarded.
		Reset(newMsg *module.MsgMetadata)
	}
)

type (
	mtastsPolicy struct {
		cache       *mtasts.Cache
		mtastsGet   func(context.Context, string) (*mtasts.Policy, error)
		updaterStop chan struct{}
		log         log.Logger
	}
	mtastsDelivery struct {
		c         *mtastsPolicy
		domain    string
		policyFut *future.Future
		log       log.Logger
	}
)

// NewMTASTSPolicy creates the MTA-STS policy and starts the background cache
// updater. cacheDir is the directory used for the persistent policy cache, if
// it is empty the cache is kept in memory only.
func NewMTASTSPolicy(r dns.Resolver, cacheDir string, logger log.Logger) (*mtastsPolicy, error) {
	p := &mtastsPolicy{
		updaterStop: make(chan struct{}),
		log:         logger,
	}

	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
			return nil, err
		}
		p.cache = mtasts.NewFSCache(cacheDir)
	} else {
		p.cache = mtasts.NewRAMCache()
	}
	p.cache.Resolver = r
	p.mtastsGet = p.cache.Get

	go p.updater()

	return p, nil
}

func (p *mtastsPolicy) refreshCache() {
	p.log.Debugln("updating MTA-STS cache...")
	if err := p.cache.Refresh(); err != nil {
		p.log.Error("MTA-STS cache update error", err)
	}
	p.log.Debugln("updating MTA-STS cache... done!")
}

func (p *mtastsPolicy) updater() {
	// Unconditional refresh on start-up, entries may have gone stale while
	// we were down.
	p.refreshCache()

	// Policies typically set max_age around a day, refreshing twice a day
	// keeps them fresh most of the time.
	t := time.NewTicker(12 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.refreshCache()
		case <-p.updaterStop:
			p.updaterStop <- struct{}{}
			return
		}
	}
}

func (p *mtastsPolicy) Start(msgMeta *module.MsgMetadata) DeliveryPolicy {
	return &mtastsDelivery{
		c:   p,
		log: target.DeliveryLogger(p.log, msgMeta),
	}
}

func (p *mtastsPolicy) Close() error {
	p.updaterStop <- struct{}{}
	<-p.updaterStop
	return nil
}

func (d *mtastsDelivery) PrepareDomain(ctx context.Context, domain string) {
	d.policyFut = future.New()
	go func() {
		d.policyFut.Set(d.c.mtastsGet(ctx, domain))
	}()
}

func (d *mtastsDelivery) PrepareConn(ctx context.Context, mx string) {}

func (d *mtastsDelivery) fetchPolicy(ctx context.Context) *mtasts.Policy {
	policyI, err := d.policyFut.GetContext(ctx)
	if err != nil {
		d.log.DebugMsg("MTA-STS error", "err", err)
		return nil
	}
	return policyI.(*mtasts.Policy)
}

func (d *mtastsDelivery) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	policy := d.fetchPolicy(ctx)
	if policy == nil {
		return MXNone, nil
	}

	if !policy.Match(mx) {
		if policy.Mode == mtasts.ModeEnforce {
			return MXNone, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Failed to estabilish the MX record authenticity (MTA-STS)",
			}
		}
		d.log.Msg("MX does not match published non-enforced MTA-STS policy", "mx", mx, "domain", d.domain)
		return MXNone, nil
	}
	return MX_MTASTS, nil
}

func (d *mtastsDelivery) CheckConn(ctx context.Context, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	policy := d.fetchPolicy(ctx)
	if policy == nil || policy.Mode != mtasts.ModeEnforce {
		return TLSNone, nil
	}

	if !tlsState.HandshakeComplete {
		return TLSNone, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed (MTA-STS)",
		}
	}

	if tlsState.VerifiedChains == nil {
		return TLSNone, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message: "Recipient server TLS certificate is not trusted but " +
				"authentication is required by MTA-STS",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		}
	}

	return TLSNone, nil
}

func (d *mtastsDelivery) Reset(msgMeta *module.MsgMetadata) {
	d.policyFut = nil
	if msgMeta != nil {
		d.log = target.DeliveryLogger(d.c.log, msgMeta)
	}
}

// dnssecPolicy raises the MX level when the MX RRset came via a validating
// resolver. The actual validation happens as part of the MX lookup, here the
// outcome is merely translated into a level.
type dnssecPolicy struct{}

func (dnssecPolicy) Start(*module.MsgMetadata) DeliveryPolicy {
	return dnssecPolicy{}
}

func (dnssecPolicy) Close() error {
	return nil
}

func (dnssecPolicy) Reset(*module.MsgMetadata)                        {}
func (dnssecPolicy) PrepareDomain(ctx context.Context, domain string) {}
func (dnssecPolicy) PrepareConn(ctx context.Context, mx string)       {}

func (dnssecPolicy) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	if dnssec {
		return MX_DNSSEC, nil
	}
	return MXNone, nil
}

func (dnssecPolicy) CheckConn(ctx context.Context, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	return TLSNone, nil
}

type (
	danePolicy struct {
		extResolver *dns.ExtResolver
		log         log.Logger
	}
	daneDelivery struct {
		c       *danePolicy
		tlsaFut *future.Future
	}
)

func NewDANEPolicy(extR *dns.ExtResolver, logger log.Logger) *danePolicy {
	return &danePolicy{
		log:         logger,
		extResolver: extR,
	}
}

func (p *danePolicy) Start(*module.MsgMetadata) DeliveryPolicy {
	return &daneDelivery{c: p}
}

func (p *danePolicy) Close() error {
	return nil
}

func (d *daneDelivery) PrepareDomain(ctx context.Context, domain string) {}

func (d *daneDelivery) PrepareConn(ctx context.Context, mx string) {
	// No DNSSEC support.
	if d.c.extResolver == nil {
		return
	}

	d.tlsaFut = future.New()

	go func() {
		d.tlsaFut.Set(d.discoverTLSA(ctx, dns.FQDN(mx)))
	}()
}

// authTLSA performs the TLSA lookup for name and filters the outcome per RFC
// 7672 Section 2.2: an RRset that is absent or not DNSSEC-authenticated is
// returned as nil without an error.
func (d *daneDelivery) authTLSA(ctx context.Context, name string) ([]dns.TLSA, error) {
	ad, recs, err := d.c.extResolver.AuthLookupTLSA(ctx, "25", "tcp", name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !ad {
		return nil, nil
	}
	return recs, nil
}

// discoverTLSA follows the TLSA discovery rules defined by RFC 7672 Section
// 2.2, including the CNAME handling.
func (d *daneDelivery) discoverTLSA(ctx context.Context, mx string) ([]dns.TLSA, error) {
	// Resolve the final (canonical) name of the MX host and find out whether
	// the whole CNAME chain and the final RRset are authenticated.
	ad, rname, err := d.c.extResolver.CheckCNAMEAD(ctx, mx)
	if err != nil {
		return nil, err
	}

	if rname == "" || rname == mx {
		// No CNAME chain. An unsigned MX name cannot have authenticated TLSA
		// records, skip the lookup entirely.
		if !ad {
			return nil, nil
		}
		return d.authTLSA(ctx, mx)
	}

	// "Secure CNAME" case: prefer TLSA records at the final name, fall back
	// to the initial name if there are none.
	if ad {
		recs, err := d.authTLSA(ctx, rname)
		if err != nil {
			return nil, err
		}
		if len(recs) != 0 {
			return recs, nil
		}
	}

	return d.authTLSA(ctx, mx)
}

func (d *daneDelivery) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	return MXNone, nil
}

func (d *daneDelivery) CheckConn(ctx context.Context, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	// No DNSSEC support.
	if d.c.extResolver == nil {
		return TLSNone, nil
	}

	recsI, err := d.tlsaFut.GetContext(ctx)
	if err != nil {
		// No records.
		if dns.IsNotFound(err) {
			return TLSNone, nil
		}

		// A lookup failure is indistinguishable from a bogus DNSSEC
		// signature here, so treat both as a DANE failure. The condition
		// may pass on retry, hence temporary.
		return TLSNone, exterrors.WithTemporary(err, true)
	}
	recs := recsI.([]dns.TLSA)

	overridePKIX, err := verifyDANE(recs, tlsState)
	if err != nil {
		return TLSNone, err
	}
	if overridePKIX {
		return TLSAuthenticated, nil
	}
	return TLSNone, nil
}

func (d *daneDelivery) Reset(*module.MsgMetadata) {}

// localPolicy enforces the operator-configured floors for the TLS and MX
// levels established by the other policies.
type localPolicy struct {
	minTLSLevel TLSLevel
	minMXLevel  MXLevel
}

func (l localPolicy) Start(msgMeta *module.MsgMetadata) DeliveryPolicy {
	return l
}

func (l localPolicy) Close() error {
	return nil
}

func (l localPolicy) Reset(*module.MsgMetadata)                        {}
func (l localPolicy) PrepareDomain(ctx context.Context, domain string) {}
func (l localPolicy) PrepareConn(ctx context.Context, mx string)       {}

func (l localPolicy) CheckMX(ctx context.Context, mxLevel MXLevel, domain, mx string, dnssec bool) (MXLevel, error) {
	if mxLevel < l.minMXLevel {
		return MXNone, &exterrors.SMTPError{
			// A temporary policy evaluation error cannot be told apart from
			// a genuine mismatch, so use a 4xx code.
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Failed to estabilish the MX record authenticity",
			Misc: map[string]interface{}{
				"mx_level": mxLevel,
			},
		}
	}
	return MXNone, nil
}

func (l localPolicy) CheckConn(ctx context.Context, tlsLevel TLSLevel, domain, mx string, tlsState tls.ConnectionState) (TLSLevel, error) {
	if tlsLevel < l.minTLSLevel {
		return TLSNone, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS it not available or unauthenticated but required",
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		}
	}
	return TLSNone, nil
}
