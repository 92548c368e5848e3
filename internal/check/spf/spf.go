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

// Package spf implements the sender authorization check defined by RFC 7208.
//
// Unless configured to enforce the result early, the evaluation runs
// concurrently with body transfer and the configured actions are suppressed
// when the message is covered by an effective DMARC policy.
package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"runtime/trace"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	mariddmarc "github.com/marid-mta/marid/internal/dmarc"
	"github.com/marid-mta/marid/internal/target"
	"golang.org/x/net/idna"
)

const modName = "check.spf"

type Check struct {
	enforceEarly bool
	actions      map[spf.Result]module.FailAction

	log      log.Logger
	resolver dns.Resolver
}

// Opts describe the policy applied to each possible evaluation outcome.
// The zero FailAction value means "record the result, do not affect the
// message".
type Opts struct {
	// EnforceEarly makes the evaluation synchronous and applies the
	// configured actions before the message body is accepted. If false, the
	// evaluation runs in parallel with body transfer and reject/quarantine
	// actions are not applied when there is a DMARC policy that will handle
	// the result.
	EnforceEarly bool

	NoneAction     module.FailAction
	NeutralAction  module.FailAction
	FailAction     module.FailAction
	SoftfailAction module.FailAction
	PermerrAction  module.FailAction
	TemperrAction  module.FailAction
}

func New(resolver dns.Resolver, logger log.Logger, opts Opts) *Check {
	return &Check{
		enforceEarly: opts.EnforceEarly,
		actions: map[spf.Result]module.FailAction{
			spf.None:      opts.NoneAction,
			spf.Neutral:   opts.NeutralAction,
			spf.Fail:      opts.FailAction,
			spf.SoftFail:  opts.SoftfailAction,
			spf.PermError: opts.PermerrAction,
			spf.TempError: opts.TemperrAction,
		},
		log:      logger,
		resolver: resolver,
	}
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return ""
}

type spfRes struct {
	res spf.Result
	err error
}

type state struct {
	c        *Check
	msgMeta  *module.MsgMetadata
	spfFetch chan spfRes
	log      log.Logger

	skip bool
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &state{
		c:        c,
		msgMeta:  msgMeta,
		spfFetch: make(chan spfRes, 1),
		log:      target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

// resultDisposition maps each evaluation outcome onto the
// Authentication-Results value and the SMTP reply used when the configured
// action rejects the message.
var resultDisposition = map[spf.Result]struct {
	authres authres.ResultValue
	code    int
	ench    exterrors.EnhancedCode
	message string
}{
	spf.None:      {authres.ResultNone, 550, exterrors.EnhancedCode{5, 7, 23}, "No SPF policy"},
	spf.Neutral:   {authres.ResultNeutral, 550, exterrors.EnhancedCode{5, 7, 23}, "Neutral SPF result is not permitted"},
	spf.Fail:      {authres.ResultFail, 550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication failed"},
	spf.SoftFail:  {authres.ResultSoftFail, 550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication soft-failed"},
	spf.TempError: {authres.ResultTempError, 451, exterrors.EnhancedCode{4, 7, 23}, "SPF authentication failed with a temporary error"},
	spf.PermError: {authres.ResultPermError, 550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication failed with a permanent error"},
}

func (s *state) spfResult(res spf.Result, err error) module.CheckResult {
	_, fromDomain, _ := address.Split(s.msgMeta.OriginalFrom)
	spfAuth := &authres.SPFResult{
		Value: authres.ResultNone,
		Helo:  s.msgMeta.Conn.Hostname,
		From:  fromDomain,
	}

	if err != nil {
		spfAuth.Reason = err.Error()
	} else if res == spf.None {
		spfAuth.Reason = "no policy"
	}

	if res == spf.Pass {
		spfAuth.Value = authres.ResultPass
		return module.CheckResult{AuthResult: []authres.Result{spfAuth}}
	}

	disp, ok := resultDisposition[res]
	if !ok {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 23},
				Message:      fmt.Sprintf("Unknown SPF status: %s", res),
				CheckName:    modName,
				Err:          err,
			},
			AuthResult: []authres.Result{spfAuth},
		}
	}

	spfAuth.Value = disp.authres
	return s.c.actions[res].Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         disp.code,
			EnhancedCode: disp.ench,
			Message:      disp.message,
			CheckName:    modName,
			Err:          err,
		},
		AuthResult: []authres.Result{spfAuth},
	})
}

// relyOnDMARC reports whether the message's RFC5322.From domain carries a
// DMARC policy with a disposition, in which case the SPF verdict is recorded
// but not acted upon.
func (s *state) relyOnDMARC(ctx context.Context, hdr textproto.Header) bool {
	fromDomain, err := mariddmarc.ExtractFromDomain(hdr)
	if err != nil {
		s.log.Error("DMARC domains extract", err)
		return false
	}

	policyDomain, record, err := mariddmarc.FetchRecord(ctx, s.c.resolver, fromDomain)
	if err != nil {
		s.log.Error("DMARC fetch", err, "from_domain", fromDomain)
		return false
	}
	if record == nil {
		return false
	}

	// FetchRecord returns either fromDomain itself or its organizational
	// domain, so non-equality means the subdomain policy applies.
	policy := record.Policy
	if !dns.Equal(policyDomain, fromDomain) && record.SubdomainPolicy != "" {
		policy = record.SubdomainPolicy
	}

	return policy != dmarc.PolicyNone
}

// prepareMailFrom renders the sender identity in the form the evaluator
// needs: A-label domain (RFC 8616, Section 4) and an ASCII-only local-part,
// since the %{s} and %{l} macros never match non-ASCII anyway.
func prepareMailFrom(from string) (string, error) {
	malformed := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
		Message:      "Malformed address",
		CheckName:    "spf",
	}

	fromMbox, fromDomain, err := address.Split(from)
	if err != nil {
		return "", malformed
	}
	fromDomain, err = idna.ToASCII(fromDomain)
	if err != nil {
		return "", malformed
	}

	if !address.IsASCII(fromMbox) {
		fromMbox = ""
	}

	return fromMbox + "@" + dns.FQDN(fromDomain), nil
}

func (s *state) evaluate(ctx context.Context, ip net.IP, mailFrom string) (spf.Result, error) {
	res, err := spf.CheckHostWithSender(ip, dns.FQDN(s.msgMeta.Conn.Hostname), mailFrom,
		spf.WithContext(ctx), spf.WithResolver(s.c.resolver))
	s.log.Debugf("result: %s (%v)", res, err)
	return res, err
}

func (s *state) CheckConnection(ctx context.Context) module.CheckResult {
	defer trace.StartRegion(ctx, "check.spf/CheckConnection").End()

	switch {
	case s.msgMeta.Conn == nil:
		s.skip = true
		s.log.Println("locally generated message, skipping")
		return module.CheckResult{}
	case s.msgMeta.OriginalFrom == "":
		s.skip = true
		s.log.Println("sender address is empty")
		return module.CheckResult{}
	}

	ip, ok := s.msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.skip = true
		s.log.Println("non-IP SrcAddr")
		return module.CheckResult{}
	}

	mailFrom, err := prepareMailFrom(s.msgMeta.OriginalFrom)
	if err != nil {
		s.skip = true
		return module.CheckResult{
			Reason: err,
			Reject: true,
		}
	}

	if s.c.enforceEarly {
		res, err := s.evaluate(ctx, ip.IP, mailFrom)
		return s.spfResult(res, err)
	}

	// Evaluate in the background while the body is received. CheckBody picks
	// the verdict up and decides whether DMARC supersedes it.
	go func() {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during spf.CheckHostWithSender: %v\n%s", err, stack)
				close(s.spfFetch)
			}
		}()

		defer trace.StartRegion(ctx, "check.spf/CheckConnection (Async)").End()

		res, err := s.evaluate(ctx, ip.IP, mailFrom)
		s.spfFetch <- spfRes{res, err}
	}()

	return module.CheckResult{}
}

func (s *state) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return module.CheckResult{}
}

func (s *state) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	if s.c.enforceEarly || s.skip {
		// Already applied in CheckConnection.
		return module.CheckResult{}
	}

	defer trace.StartRegion(ctx, "check.spf/CheckBody").End()

	res, ok := <-s.spfFetch
	if !ok {
		return module.CheckResult{
			Reject: true,
			Reason: exterrors.WithTemporary(
				exterrors.WithFields(errors.New("panic recovered"), map[string]interface{}{
					"check":    "spf",
					"smtp_msg": "Internal error during policy check",
				}),
				true,
			),
		}
	}

	if s.relyOnDMARC(ctx, header) {
		if res.res != spf.Pass {
			s.log.Msg("deferring action due to a DMARC policy", "result", res.res, "err", res.err)
		} else {
			s.log.DebugMsg("deferring action due to a DMARC policy", "result", res.res, "err", res.err)
		}

		checkRes := s.spfResult(res.res, res.err)
		checkRes.Quarantine = false
		checkRes.Reject = false
		return checkRes
	}

	return s.spfResult(res.res, res.err)
}

func (s *state) Close() error {
	return nil
}
