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

// Package remote implements the delivery target that sends messages to
// servers discovered via recipient domain DNS MX records.
//
// Connection security is decided by a chain of Policy objects (MTA-STS,
// DANE, DNSSEC, local minimums), see security.go.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/smtpconn/pool"
	"github.com/marid-mta/marid/internal/target"
	"golang.org/x/net/idna"
)

type (
	TLSLevel int
	MXLevel  int
)

const (
	TLSNone TLSLevel = iota
	TLSEncrypted
	TLSAuthenticated

	MXNone MXLevel = iota
	MX_MTASTS
	MX_DNSSEC
)

var (
	tlsLevelNames = map[TLSLevel]string{
		TLSNone:          "none",
		TLSEncrypted:     "encrypted",
		TLSAuthenticated: "authenticated",
	}
	mxLevelNames = map[MXLevel]string{
		MXNone:    "none",
		MX_MTASTS: "mtasts",
		MX_DNSSEC: "dnssec",
	}
)

func (l TLSLevel) String() string {
	if name, ok := tlsLevelNames[l]; ok {
		return name
	}
	return "???"
}

func (l MXLevel) String() string {
	if name, ok := mxLevelNames[l]; ok {
		return name
	}
	return "???"
}

var smtpPort = "25"

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

type Target struct {
	name      string
	hostname  string
	tlsConfig *tls.Config

	resolver    dns.Resolver
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	extResolver *dns.ExtResolver

	policies    []Policy
	localPolicy *localPolicy

	// Cache of established connections for reuse across deliveries.
	// nil when connection reuse is disabled.
	pool *pool.P

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

// Opts is the set of the construction parameters for the remote target.
type Opts struct {
	// Hostname to use in the EHLO command. Required. Will be converted to the
	// A-label form if necessary.
	Hostname string

	// TLS configuration for outbound STARTTLS connections. nil is equivalent
	// to the empty configuration.
	TLSConfig *tls.Config

	// Resolver to use for regular DNS lookups. dns.DefaultResolver() if nil.
	Resolver dns.Resolver

	// DNSSEC-validating resolver to use for MX authentication and DANE TLSA
	// discovery. If nil, both are disabled.
	ExtResolver *dns.ExtResolver

	// Directory to store the persistent MTA-STS policy cache in. If empty,
	// MTA-STS is not used.
	MTASTSCacheDir string

	// Minimal TLS security level accepted for outbound connections, checked
	// after all other policies had a chance to raise the effective level.
	MinTLSLevel TLSLevel

	// Minimal MX record authentication level required for outbound
	// connections.
	MinMXLevel MXLevel

	// Dialer to use for outbound connections. net.Dialer DialContext if nil.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Keep established connections open after the delivery completes and
	// reuse them for later messages to the same domain. Cached sessions are
	// verified with RSET before reuse.
	ConnReuse bool
}

// New constructs the remote target and starts the background updater for the
// MTA-STS cache (if it is enabled).
func New(opts Opts, logger log.Logger) (*Target, error) {
	rt := &Target{
		name:      "remote",
		tlsConfig: opts.TLSConfig,
		resolver:  opts.Resolver,
		dialer:    opts.Dialer,
		localPolicy: &localPolicy{
			minTLSLevel: opts.MinTLSLevel,
			minMXLevel:  opts.MinMXLevel,
		},
		extResolver: opts.ExtResolver,
		Log:         logger,
	}
	if rt.tlsConfig == nil {
		rt.tlsConfig = &tls.Config{}
	}
	if rt.resolver == nil {
		rt.resolver = dns.DefaultResolver()
	}
	if rt.dialer == nil {
		rt.dialer = (&net.Dialer{}).DialContext
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	rt.hostname, err = idna.ToASCII(opts.Hostname)
	if err != nil {
		return nil, fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	if opts.MTASTSCacheDir != "" {
		sts, err := NewMTASTSPolicy(rt.resolver, opts.MTASTSCacheDir, log.Logger{
			Name:  "remote/mtasts",
			Debug: logger.Debug,
		})
		if err != nil {
			return nil, fmt.Errorf("remote: %w", err)
		}
		rt.policies = append(rt.policies, sts)
	}
	if rt.extResolver == nil && opts.MinMXLevel >= MX_DNSSEC {
		return nil, fmt.Errorf("remote: required MX level is not attainable without a DNSSEC-aware resolver")
	}
	if rt.extResolver != nil {
		rt.policies = append(rt.policies, NewDANEPolicy(rt.extResolver, log.Logger{
			Name:  "remote/dane",
			Debug: logger.Debug,
		}))
	}
	rt.policies = append(rt.policies, dnssecPolicy{})

	// Local policy is the last one since it checks the levels raised by the
	// policies before it.
	rt.policies = append(rt.policies, rt.localPolicy)

	if opts.ConnReuse {
		rt.pool = pool.New(pool.Config{
			MaxKeys:             20000,
			MaxConnsPerKey:      10,
			MaxConnLifetimeSec:  150,
			StaleKeyLifetimeSec: 150,
		})
	}

	return rt, nil
}

func (rt *Target) Close() error {
	if rt.pool != nil {
		rt.pool.Close()
	}
	for _, p := range rt.policies {
		if err := p.Close(); err != nil {
			rt.Log.Error("policy cleanup failed", err)
		}
	}
	return nil
}

func (rt *Target) Name() string {
	return "remote"
}

func (rt *Target) InstanceName() string {
	return rt.name
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	Log      log.Logger

	recipients  []string
	connections map[string]*mxConn

	policies []DeliveryPolicy
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	policies := make([]DeliveryPolicy, 0, len(rt.policies))
	for _, p := range rt.policies {
		policies = append(policies, p.Start(msgMeta))
	}

	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*mxConn{},
		policies:    policies,
	}, nil
}

// rcptDomain extracts the recipient domain and rejects address forms
// that cannot be routed via MX lookup.
func rcptDomain(to string) (string, error) {
	_, domain, err := address.Split(to)
	if err != nil {
		return "", err
	}

	// A bare <postmaster> that was not expanded by an earlier rewrite
	// has no domain to route to.
	if domain == "" {
		return "", &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return "", &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	return domain, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "remote/AddRcpt").End()

	if rd.msgMeta.Quarantine {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Refusing to deliver a quarantined message",
			TargetName:   "remote",
		}
	}

	domain, err := rcptDomain(to)
	if err != nil {
		return err
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to); err != nil {
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	return nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

// anyTemporary reports whether at least one per-recipient error is
// retriable. Must be called with statusLck held.
func (m *multipleErrs) anyTemporary() bool {
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			return true
		}
	}
	return false
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// A temporary status tells the sender to retry so that every
	// recipient eventually gets the message. Recipients that already got
	// it will then see a duplicate - incomplete delivery is considered
	// worse than duplication.
	code := 550
	enchCode := exterrors.EnhancedCode{5, 0, 0}
	if m.anyTemporary() {
		code = 451
		enchCode = exterrors.EnhancedCode{4, 0, 0}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	defer trace.StartRegion(ctx, "remote/Body").End()

	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	failed := 0
	var last error
	for _, v := range merr.errs {
		if v != nil {
			failed++
			last = v
		}
	}
	switch {
	case failed == 0:
		return nil
	case len(merr.errs) == 1:
		return last
	default:
		return &merr
	}
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, b buffer.Buffer) {
	defer trace.StartRegion(ctx, "remote/BodyNonAtomic").End()

	if rd.msgMeta.Quarantine {
		for _, rcpt := range rd.recipients {
			c.SetStatus(rcpt, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Refusing to deliver quarantined message",
				TargetName:   "remote",
			})
		}
		return
	}

	var wg sync.WaitGroup
	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			rd.sendBody(ctx, c, conn, header, b)
		}()
	}
	wg.Wait()
}

func (rd *remoteDelivery) sendBody(ctx context.Context, c module.StatusCollector, conn *mxConn, header textproto.Header, b buffer.Buffer) {
	bodyR, err := b.Open()
	if err != nil {
		for _, rcpt := range conn.Rcpts() {
			c.SetStatus(rcpt, err)
		}
		return
	}
	defer bodyR.Close()

	err = conn.Data(ctx, header, bodyR)
	conn.reusable = err == nil
	for _, rcpt := range conn.Rcpts() {
		c.SetStatus(rcpt, err)
	}
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	return rd.cleanup(false)
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of remoteDelivery have to
	// take care of partial failures.
	return rd.cleanup(true)
}

func (rd *remoteDelivery) Close() error {
	return rd.cleanup(false)
}

func (rd *remoteDelivery) cleanup(reuse bool) error {
	for _, conn := range rd.connections {
		if reuse && conn.reusable && rd.rt.pool != nil {
			conn.lastUse = time.Now()
			rd.rt.pool.Return(conn.domain, conn)
			continue
		}
		rd.Log.Debugf("disconnected from %s", conn.ServerName())
		conn.Close()
	}
	for _, p := range rd.policies {
		p.Reset(nil)
	}
	return nil
}
