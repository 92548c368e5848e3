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

// Package dkim verifies DKIM signatures (RFC 6376) on inbound messages.
package dkim

import (
	"bytes"
	"context"
	"io"
	nettextproto "net/textproto"
	"runtime/trace"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/target"
)

const checkName = "check.dkim"

type Check struct {
	log log.Logger

	requiredFields  map[string]struct{}
	brokenSigAction module.FailAction
	noSigAction     module.FailAction
	failOpen        bool

	resolver dns.Resolver
}

// Opts control signature validation strictness.
type Opts struct {
	// Header fields that should be covered by a signature for it to be
	// considered valid. The From field is always required by RFC 6376 no
	// matter the value.
	RequiredFields []string

	// What to do with messages that carry broken signatures only or no
	// signatures at all. An unsigned message is never reported as carrying
	// an invalid signature.
	BrokenSigAction module.FailAction
	NoSigAction     module.FailAction

	// If true - a temporary key lookup failure is reported in the result
	// instead of deferring the message.
	FailOpen bool
}

func New(resolver dns.Resolver, logger log.Logger, opts Opts) *Check {
	requiredFields := opts.RequiredFields
	if requiredFields == nil {
		requiredFields = []string{"From", "Subject"}
	}
	fieldsSet := make(map[string]struct{}, len(requiredFields))
	for _, field := range requiredFields {
		fieldsSet[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}

	return &Check{
		log:             logger,
		requiredFields:  fieldsSet,
		brokenSigAction: opts.BrokenSigAction,
		noSigAction:     opts.NoSigAction,
		failOpen:        opts.FailOpen,
		resolver:        resolver,
	}
}

func (c *Check) Name() string {
	return checkName
}

func (c *Check) InstanceName() string {
	return ""
}

type dkimCheckState struct {
	c       *Check
	msgMeta *module.MsgMetadata
	log     log.Logger
}

func (c *Check) CheckStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.CheckState, error) {
	return &dkimCheckState{
		c:       c,
		msgMeta: msgMeta,
		log:     target.DeliveryLogger(c.log, msgMeta),
	}, nil
}

func (d *dkimCheckState) CheckConnection(ctx context.Context) module.CheckResult {
	return module.CheckResult{}
}

func (d *dkimCheckState) CheckSender(ctx context.Context, mailFrom string) module.CheckResult {
	return module.CheckResult{}
}

func (d *dkimCheckState) CheckRcpt(ctx context.Context, rcptTo string) module.CheckResult {
	return module.CheckResult{}
}

func rejectInternal(err error, smtpMsg string) module.CheckResult {
	return module.CheckResult{
		Reject: true,
		Reason: exterrors.WithTemporary(
			exterrors.WithFields(err, map[string]interface{}{
				"check":    checkName,
				"smtp_msg": smtpMsg,
			}),
			true,
		),
	}
}

func (d *dkimCheckState) noSignatures() module.CheckResult {
	if d.c.noSigAction.Reject || d.c.noSigAction.Quarantine {
		d.log.Printf("no signatures present")
	} else {
		d.log.Debugf("no signatures present")
	}
	return d.c.noSigAction.Apply(module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
			Message:      "No DKIM signatures",
			CheckName:    checkName,
		},
		AuthResult: []authres.Result{
			&authres.DKIMResult{
				Value: authres.ResultNone,
			},
		},
	})
}

// coversRequiredFields reports whether the signature covers all the fields
// the operator demands.
func (d *dkimCheckState) coversRequiredFields(verif *dkim.Verification) bool {
	signedFields := make(map[string]struct{}, len(verif.HeaderKeys))
	for _, field := range verif.HeaderKeys {
		signedFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}
	for field := range d.c.requiredFields {
		if _, ok := signedFields[field]; !ok {
			return false
		}
	}
	return true
}

func (d *dkimCheckState) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) module.CheckResult {
	defer trace.StartRegion(ctx, "check.dkim/CheckBody").End()

	if !header.Has("DKIM-Signature") {
		return d.noSignatures()
	}

	b := bytes.Buffer{}
	_ = textproto.WriteHeader(&b, header)
	bodyRdr, err := body.Open()
	if err != nil {
		return rejectInternal(err, "Internal I/O error")
	}

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&b, bodyRdr), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return d.c.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return rejectInternal(err, "Internal error during policy check")
	}

	goodSigs := false

	res := module.CheckResult{AuthResult: make([]authres.Result, 0, len(verifications))}
	for _, verif := range verifications {
		val := authres.ResultValue(authres.ResultPass)
		reason := ""

		switch {
		case verif.Err == nil:
			if !d.coversRequiredFields(verif) {
				val = authres.ResultPermError
				reason = "some header fields are not signed"
				break
			}
			goodSigs = true
			d.log.DebugMsg("good signature", "domain", verif.Domain, "identifier", verif.Identifier)
		case dkim.IsTempFail(verif.Err):
			if !d.c.failOpen {
				return module.CheckResult{
					Reject: true,
					Reason: &exterrors.SMTPError{
						Code:         421,
						EnhancedCode: exterrors.EnhancedCode{4, 7, 20},
						Message:      "Temporary error during DKIM verification",
						CheckName:    checkName,
						Err:          verif.Err,
					},
				}
			}
			val = authres.ResultTempError
			reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		case dkim.IsPermFail(verif.Err):
			val = authres.ResultPermError
			reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		default:
			val = authres.ResultFail
			reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		}

		if verif.Err != nil && (!d.c.brokenSigAction.Reject || !d.c.brokenSigAction.Quarantine) {
			d.log.DebugMsg("bad signature", "domain", verif.Domain, "identifier", verif.Identifier)
		}

		res.AuthResult = append(res.AuthResult, &authres.DKIMResult{
			Value:      val,
			Reason:     reason,
			Domain:     verif.Domain,
			Identifier: verif.Identifier,
		})
	}

	if !goodSigs {
		res.Reason = &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
			Message:      "No passing DKIM signatures",
			CheckName:    checkName,
		}
		return d.c.brokenSigAction.Apply(res)
	}
	return res
}

func (d *dkimCheckState) Name() string {
	return checkName
}

func (d *dkimCheckState) Close() error {
	return nil
}
