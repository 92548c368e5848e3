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
	"crypto/x509"
	"net"
	"runtime/trace"
	"sort"
	"strings"
	"time"

	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/internal/smtpconn"
)

type mxConn struct {
	*smtpconn.C

	// Domain this MX belongs to.
	domain string

	// The MX record is DNSSEC-signed and was verified by the used resolver.
	dnssecOk bool

	// Whether the session completed its last transaction cleanly and can
	// be returned to the connection cache.
	reusable bool

	lastUse time.Time
}

func (c *mxConn) Usable() bool {
	if c.C == nil || c.Client() == nil {
		return false
	}
	return c.Client().Reset() == nil
}

func (c *mxConn) LastUseAt() time.Time {
	return c.lastUse
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError,
		x509.ConstraintViolationError, x509.CertificateInvalidError:
		return true
	}
	return false
}

// connect attempts to connect to the MX, first trying STARTTLS with X.509
// verification but falling back to unauthenticated TLS or plaintext as
// necesary.
//
// Return values:
// - tlsLevel    TLS security level that was estabilished.
// - tlsErr      Error that prevented TLS from working if tlsLevel != TLSAuthenticated
func (rd *remoteDelivery) connect(ctx context.Context, conn *mxConn, host string) (tlsLevel TLSLevel, tlsErr, err error) {
	tlsLevel = TLSAuthenticated
	var tlsCfg *tls.Config
	if rd.rt.tlsConfig != nil {
		tlsCfg = rd.rt.tlsConfig.Clone()
		tlsCfg.ServerName = host
	}

	rd.Log.DebugMsg("trying", "remote_server", host, "domain", conn.domain)

	for {
		// smtpconn.C default TLS behavior is not useful for us, we want to
		// handle TLS errors separately hence starttls=false.
		_, err = conn.Connect(ctx, smtpconn.Endpoint{
			Host: host,
			Port: smtpPort,
		}, false, nil)
		if err != nil {
			return TLSNone, nil, err
		}

		starttlsOk, _ := conn.Client().Extension("STARTTLS")
		if !starttlsOk || tlsCfg == nil {
			return TLSNone, tlsErr, nil
		}

		err := conn.Client().StartTLS(tlsCfg)
		if err == nil {
			return tlsLevel, tlsErr, nil
		}
		tlsErr = err
		conn.DirectClose()

		// On a verify error, retry TLS without authentication. It is still
		// better than plaintext and we might be able to actually
		// authenticate the server using DANE-EE/DANE-TA later.
		//
		// The tlsLevel check stops the retries if the same verify error
		// comes back with InsecureSkipVerify too (e.g. certificate is *too*
		// broken).
		if isVerifyError(err) && tlsLevel == TLSAuthenticated {
			rd.Log.Error("TLS verify error, trying without authentication", err, "remote_server", host, "domain", conn.domain)
			tlsCfg.InsecureSkipVerify = true
			tlsLevel = TLSEncrypted
			continue
		}

		rd.Log.Error("TLS error, trying plaintext", err, "remote_server", host, "domain", conn.domain)
		tlsCfg = nil
		tlsLevel = TLSNone
	}
}

// checkMXPolicies runs CheckMX of each policy, raising the effective MX
// level as they report.
func (rd *remoteDelivery) checkMXPolicies(ctx context.Context, conn *mxConn, host string) (MXLevel, error) {
	mxLevel := MXNone
	for _, p := range rd.policies {
		level, err := p.CheckMX(ctx, mxLevel, conn.domain, host, conn.dnssecOk)
		if err != nil {
			return mxLevel, err
		}
		if level > mxLevel {
			mxLevel = level
		}
	}
	return mxLevel, nil
}

// checkConnPolicies runs CheckConn of each policy against the established
// session. tlsErr, if any, is attached to the policy error for the logs.
func (rd *remoteDelivery) checkConnPolicies(ctx context.Context, conn *mxConn, host string, tlsLevel TLSLevel, tlsErr error) (TLSLevel, error) {
	tlsState, _ := conn.Client().TLSConnectionState()
	for _, p := range rd.policies {
		level, err := p.CheckConn(ctx, tlsLevel, conn.domain, host, tlsState)
		if err != nil {
			conn.Close()
			if tlsErr != nil {
				return tlsLevel, exterrors.WithFields(err, map[string]interface{}{
					"tls_err": tlsErr,
				})
			}
			return tlsLevel, err
		}
		if level > tlsLevel {
			tlsLevel = level
		}
	}
	return tlsLevel, nil
}

func (rd *remoteDelivery) attemptMX(ctx context.Context, conn *mxConn, record *net.MX) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range rd.policies {
		p.PrepareConn(connCtx, record.Host)
	}

	mxLevel, err := rd.checkMXPolicies(connCtx, conn, record.Host)
	if err != nil {
		return err
	}

	tlsLevel, tlsErr, err := rd.connect(ctx, conn, record.Host)
	if err != nil {
		return err
	}

	tlsLevel, err = rd.checkConnPolicies(connCtx, conn, record.Host, tlsLevel, tlsErr)
	if err != nil {
		return err
	}

	rd.Log.DebugMsg("levels", "mx", mxLevel, "tls", tlsLevel)

	mxLevelCnt.WithLabelValues(rd.rt.Name(), mxLevel.String()).Inc()
	tlsLevelCnt.WithLabelValues(rd.rt.Name(), tlsLevel.String()).Inc()

	return nil
}

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*smtpconn.C, error) {
	domain = strings.ToLower(domain)

	if c, ok := rd.connections[domain]; ok {
		return c.C, nil
	}

	for _, p := range rd.policies {
		p.PrepareDomain(ctx, domain)
	}

	if conn := rd.cachedConnection(ctx, domain); conn != nil {
		rd.connections[domain] = conn
		return conn.C, nil
	}

	conn, err := rd.newConnection(ctx, domain)
	if err != nil {
		return nil, err
	}

	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		conn.Close()
		return nil, err
	}

	rd.connections[domain] = conn
	return conn.C, nil
}

// newConnection establishes a session with one of the MXs of domain,
// trying them in the preference order.
func (rd *remoteDelivery) newConnection(ctx context.Context, domain string) (*mxConn, error) {
	conn := &mxConn{
		C:      smtpconn.New(),
		domain: domain,
	}
	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true

	region := trace.StartRegion(ctx, "remote/LookupMX")
	dnssecOk, records, err := rd.lookupMX(ctx, domain)
	region.End()
	if err != nil {
		return nil, err
	}
	conn.dnssecOk = dnssecOk

	var lastErr error
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	for _, record := range records {
		if record.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
			}
		}

		if err := rd.attemptMX(ctx, conn, record); err != nil {
			rd.Log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		break
	}
	region.End()

	// Still not connected? Bail out.
	if conn.Client() == nil {
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	return conn, nil
}

// cachedConnection fetches a previously established connection for domain
// from the target's connection cache and restarts a mail transaction on it.
// Returns nil if there is none or the cached session turned out to be dead.
func (rd *remoteDelivery) cachedConnection(ctx context.Context, domain string) *mxConn {
	if rd.rt.pool == nil {
		return nil
	}

	cached, _ := rd.rt.pool.Get(ctx, domain)
	if cached == nil {
		return nil
	}

	conn := cached.(*mxConn)
	conn.lastUse = time.Now()
	conn.reusable = false
	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		rd.Log.DebugMsg("cached connection is not usable, dropping it",
			"remote_server", conn.ServerName(), "domain", domain, "reason", err)
		conn.DirectClose()
		return nil
	}

	rd.Log.DebugMsg("reusing cached connection", "remote_server", conn.ServerName(), "domain", domain)
	return conn
}

func (rd *remoteDelivery) lookupMX(ctx context.Context, domain string) (dnssecOk bool, records []*net.MX, err error) {
	if rd.rt.extResolver != nil {
		dnssecOk, records, err = rd.rt.extResolver.AuthLookupMX(ctx, domain)
	} else {
		records, err = rd.rt.resolver.LookupMX(ctx, domain)
	}
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return false, nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fallback to A/AAAA RR when no MX records are present as
	// required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: domain,
			Pref: 0,
		})
	}

	return dnssecOk, records, err
}
