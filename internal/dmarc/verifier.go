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

package dmarc

import (
	"context"
	"math/rand"
	"net"
	"runtime/trace"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
)

type verifyData struct {
	policyDomain string
	fromDomain   string
	record       *Record
	recordErr    error
}

// errPanic carries a panic() from the FetchRecord goroutine over to the
// goroutine that calls Apply.
type errPanic struct {
	err interface{}
}

func (errPanic) Error() string {
	return "panic during policy fetch"
}

// Verifier holds the state for the DMARC evaluation of a single message.
//
// It cannot be reused.
type Verifier struct {
	fetchCh     chan verifyData
	fetchCancel context.CancelFunc

	resolver Resolver

	// TODO: DMARC aggregate report generation (rua)
	// FailureReportFunc is the callback that is called when a failure report
	// is generated. If it is nil - failure reports generation is disabled.
	// FailureReportFunc func(textproto.Header, io.Reader)
}

func NewVerifier(r Resolver) *Verifier {
	return &Verifier{
		fetchCh:  make(chan verifyData, 1),
		resolver: r,
	}
}

func (v *Verifier) Close() error {
	if v.fetchCancel != nil {
		v.fetchCancel()
	}
	return nil
}

func (v *Verifier) fetch(ctx context.Context, fromDomain string) {
	defer func() {
		if err := recover(); err != nil {
			v.fetchCh <- verifyData{
				recordErr: errPanic{err: err},
			}
		}
	}()

	defer trace.StartRegion(ctx, "DMARC/FetchRecord").End()

	policyDomain, record, err := FetchRecord(ctx, v.resolver, fromDomain)
	v.fetchCh <- verifyData{
		policyDomain: policyDomain,
		fromDomain:   fromDomain,
		record:       record,
		recordErr:    err,
	}
}

// FetchRecord starts the policy lookup in the background, so the result
// is hopefully ready by the time Apply asks for it.
//
// A panic in the lookup goroutine resurfaces from the Apply call.
func (v *Verifier) FetchRecord(ctx context.Context, header textproto.Header) {
	fromDomain, err := ExtractFromDomain(header)
	if err != nil {
		v.fetchCh <- verifyData{
			recordErr: err,
		}
		return
	}

	ctx, v.fetchCancel = context.WithCancel(ctx)
	go v.fetch(ctx, fromDomain)
}

// Apply decides what to do with the message given the policy record
// fetched by FetchRecord and the DKIM/SPF results in authRes.
//
// It returns the Authentication-Results field value to include in the
// message (as a part of EvalResult) and the action the MTA should take.
// For PolicyReject, the caller should inspect Result.Value to pick a
// temporary or permanent error code as Apply implements the 'fail
// closed' strategy for temporary errors.
//
// The pct key is honored using the math/rand default source, which the
// caller is expected to have seeded.
func (v *Verifier) Apply(authRes []authres.Result) (EvalResult, Policy) {
	data := <-v.fetchCh
	if data.recordErr != nil {
		return lookupFailResult(data)
	}
	if data.record == nil {
		return EvalResult{
			Authres: authres.DMARCResult{
				Value: authres.ResultNone,
				From:  data.fromDomain,
			},
		}, dmarc.PolicyNone
	}

	result := EvaluateAlignment(data.fromDomain, data.record, authRes)
	if result.Authres.Value == authres.ResultPass || result.Authres.Value == authres.ResultNone {
		return result, dmarc.PolicyNone
	}

	if data.record.Percent != nil && rand.Int31n(100) > int32(*data.record.Percent) {
		return result, dmarc.PolicyNone
	}

	return result, effectivePolicy(data)
}

// lookupFailResult maps a failed policy lookup to the report value and the
// action. A temporary DNS error rejects the message ('fail closed'), a
// permanent one is reported but the message passes.
func lookupFailResult(data verifyData) (EvalResult, Policy) {
	result := authres.DMARCResult{
		Value:  authres.ResultPermError,
		Reason: "Policy lookup failed: " + data.recordErr.Error(),
		// From may be empty, in which case it is simply not included in
		// the field.
		From: data.fromDomain,
	}
	if dnsErr, ok := data.recordErr.(*net.DNSError); ok && dnsErr.Temporary() {
		result.Value = authres.ResultTempError
		return EvalResult{Authres: result}, dmarc.PolicyReject
	}
	return EvalResult{Authres: result}, dmarc.PolicyNone
}

// effectivePolicy picks between p= and sp= depending on whether the policy
// record was found on the organizational domain or the From domain itself.
func effectivePolicy(data verifyData) Policy {
	if !strings.EqualFold(data.policyDomain, data.fromDomain) && data.record.SubdomainPolicy != "" {
		return data.record.SubdomainPolicy
	}
	return data.record.Policy
}
