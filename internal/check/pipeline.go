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

// Package check composes the message authentication checks (SPF, DKIM) and
// the DMARC policy evaluation into a single pipeline that produces the
// Authentication-Results header and the final accept/quarantine/reject
// outcome for a message.
package check

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/dmarc"
)

// Pipeline is the static configuration of the authentication pipeline: the
// ordered set of checks to run for each message plus the DMARC toggle.
//
// One Pipeline value is shared between messages, per-message state lives in
// the Runner.
type Pipeline struct {
	// Checks are run in order for each pipeline stage. For the standard
	// setup this is the SPF check followed by the DKIM check.
	Checks []module.Check

	// DMARC enables policy evaluation combining the SPF and DKIM results.
	// Checks should include both for it to be meaningful.
	DMARC bool

	// Hostname is the authserv-id used in the Authentication-Results header.
	Hostname string

	Resolver dns.Resolver
	Log      log.Logger
}

// Verdict is the outcome of a pipeline run for one message.
//
// Results that were not computed are nil, they are never substituted with a
// "pass" value.
type Verdict struct {
	SPF   *authres.SPFResult
	DKIM  []*authres.DKIMResult
	DMARC *authres.DMARCResult

	// Quarantine is set when a check or the DMARC policy asked for the
	// message to be flagged but not rejected.
	Quarantine bool

	// Results is the complete Authentication-Results contents, in the order
	// they were produced.
	Results []authres.Result
}

// Runner runs the pipeline checks for a single message, collects and merges
// results. It also makes sure that each check gets only one state object
// created.
type Runner struct {
	p *Pipeline

	msgMeta          *module.MsgMetadata
	mailFrom         string
	mailFromReceived bool

	checkedRcpts         []string
	checkedRcptsPerCheck map[module.CheckState]map[string]struct{}
	checkedRcptsLock     sync.Mutex

	didDMARCFetch bool
	dmarcVerify   *dmarc.Verifier

	log log.Logger

	states map[module.Check]module.CheckState

	mergedRes module.CheckResult
}

func checkName(x interface{}) string {
	if mod, ok := x.(module.Module); ok {
		return mod.Name()
	}
	return fmt.Sprintf("%T", x)
}

func reasonCheckName(reason error) string {
	var exErr *exterrors.SMTPError
	if errors.As(reason, &exErr) && exErr.CheckName != "" {
		return exErr.CheckName
	}
	return "unknown"
}

// Start creates a Runner for a new message. The caller must call Close on it
// when message processing ends, whether it succeeded or not.
func (p *Pipeline) Start(msgMeta *module.MsgMetadata) *Runner {
	return &Runner{
		p:                    p,
		msgMeta:              msgMeta,
		checkedRcptsPerCheck: map[module.CheckState]map[string]struct{}{},
		log:                  p.Log,
		dmarcVerify:          dmarc.NewVerifier(p.Resolver),
		states:               make(map[module.Check]module.CheckState),
	}
}

// Evaluate runs the whole pipeline for an already buffered message: the
// connection, sender and body stages of every check, then the DMARC policy.
// The Authentication-Results header is prepended to header.
//
// A non-nil error means the message should be rejected with it. The Verdict
// is meaningful even on rejection.
func (p *Pipeline) Evaluate(ctx context.Context, msgMeta *module.MsgMetadata, header *textproto.Header, body buffer.Buffer) (Verdict, error) {
	r := p.Start(msgMeta)
	defer r.Close()

	if err := r.CheckConnSender(ctx, msgMeta.OriginalFrom); err != nil {
		return r.Verdict(), err
	}
	if err := r.CheckBody(ctx, *header, body); err != nil {
		return r.Verdict(), err
	}
	err := r.Apply(header)
	return r.Verdict(), err
}

func (r *Runner) checkStates(ctx context.Context) ([]module.CheckState, error) {
	states := make([]module.CheckState, 0, len(r.p.Checks))
	newStates := make([]module.CheckState, 0, len(r.p.Checks))
	newStatesMap := make(map[module.Check]module.CheckState, len(r.p.Checks))
	closeStates := func() {
		for _, state := range states {
			state.Close()
		}
	}

	for _, check := range r.p.Checks {
		state, ok := r.states[check]
		if ok {
			states = append(states, state)
			continue
		}

		r.log.Debugf("initializing state for %v (%p)", checkName(check), check)
		state, err := check.CheckStateForMsg(ctx, r.msgMeta)
		if err != nil {
			closeStates()
			return nil, err
		}
		states = append(states, state)
		newStates = append(newStates, state)
		newStatesMap[check] = state
	}

	if len(newStates) == 0 {
		return states, nil
	}

	// Replay previous CheckConnection/CheckSender/CheckRcpt calls for any
	// newly initialized checks so they all get to see the same events.
	if r.mailFromReceived {
		err := r.runAndMergeResults(newStates, func(s module.CheckState) module.CheckResult {
			return s.CheckConnection(ctx)
		})
		if err != nil {
			closeStates()
			return nil, err
		}
		err = r.runAndMergeResults(newStates, func(s module.CheckState) module.CheckResult {
			return s.CheckSender(ctx, r.mailFrom)
		})
		if err != nil {
			closeStates()
			return nil, err
		}
	}

	for _, rcpt := range r.checkedRcpts {
		rcpt := rcpt
		err := r.runAndMergeResults(states, func(s module.CheckState) module.CheckResult {
			// Avoid calling CheckRcpt for the same recipient for the same
			// check multiple times, even if requested.
			r.checkedRcptsLock.Lock()
			if _, ok := r.checkedRcptsPerCheck[s][rcpt]; ok {
				r.checkedRcptsLock.Unlock()
				return module.CheckResult{}
			}
			if r.checkedRcptsPerCheck[s] == nil {
				r.checkedRcptsPerCheck[s] = make(map[string]struct{})
			}
			r.checkedRcptsPerCheck[s][rcpt] = struct{}{}
			r.checkedRcptsLock.Unlock()

			return s.CheckRcpt(ctx, rcpt)
		})
		if err != nil {
			closeStates()
			return nil, err
		}
	}

	// This is done after all actions that can fail so we will not have to
	// remove state objects from the main map.
	for check, state := range newStatesMap {
		r.states[check] = state
	}

	return states, nil
}

func (r *Runner) runAndMergeResults(states []module.CheckState, runner func(module.CheckState) module.CheckResult) error {
	data := struct {
		authResLock sync.Mutex
		headerLock  sync.Mutex

		quarantineErr    error
		setQuarantineErr sync.Once

		rejectErr    error
		setRejectErr sync.Once

		wg sync.WaitGroup
	}{}

	for _, state := range states {
		state := state
		data.wg.Add(1)
		go func() {
			defer func() {
				data.wg.Done()
				if err := recover(); err != nil {
					stack := debug.Stack()
					log.Printf("panic during check execution: %v\n%s", err, stack)
				}
			}()

			subCheckRes := runner(state)

			// Length check to avoid taking locks when it is not necessary.
			if len(subCheckRes.AuthResult) != 0 {
				data.authResLock.Lock()
				r.mergedRes.AuthResult = append(r.mergedRes.AuthResult, subCheckRes.AuthResult...)
				data.authResLock.Unlock()
			}
			if subCheckRes.Header.Len() != 0 {
				data.headerLock.Lock()
				for field := subCheckRes.Header.Fields(); field.Next(); {
					formatted, err := field.Raw()
					if err != nil {
						r.log.Error("malformed header field added by check", err)
					}
					r.mergedRes.Header.AddRaw(formatted)
				}
				data.headerLock.Unlock()
			}

			if subCheckRes.Quarantine {
				checkQuarantined.WithLabelValues(reasonCheckName(subCheckRes.Reason)).Inc()
				data.setQuarantineErr.Do(func() {
					data.quarantineErr = subCheckRes.Reason
				})
			} else if subCheckRes.Reject {
				checkReject.WithLabelValues(reasonCheckName(subCheckRes.Reason)).Inc()
				data.setRejectErr.Do(func() {
					data.rejectErr = subCheckRes.Reason
				})
			} else if subCheckRes.Reason != nil {
				// 'ignore' fail action case. There is a Reason but neither
				// Reject nor Quarantine is set. Log it for deployment
				// testing purposes.
				r.log.Error("no check action", subCheckRes.Reason)
			}
		}()
	}

	data.wg.Wait()
	if data.rejectErr != nil {
		return data.rejectErr
	}

	if data.quarantineErr != nil {
		r.log.Error("quarantined", data.quarantineErr)
		r.mergedRes.Quarantine = true
	}

	return nil
}

// CheckConnSender runs the connection and sender stages of all checks.
func (r *Runner) CheckConnSender(ctx context.Context, mailFrom string) error {
	r.mailFrom = mailFrom
	r.mailFromReceived = true

	// checkStates will run CheckConnection and CheckSender.
	_, err := r.checkStates(ctx)
	return err
}

// CheckRcpt runs the per-recipient stage of all checks for rcptTo.
func (r *Runner) CheckRcpt(ctx context.Context, rcptTo string) error {
	states, err := r.checkStates(ctx)
	if err != nil {
		return err
	}

	err = r.runAndMergeResults(states, func(s module.CheckState) module.CheckResult {
		r.checkedRcptsLock.Lock()
		if _, ok := r.checkedRcptsPerCheck[s][rcptTo]; ok {
			r.checkedRcptsLock.Unlock()
			return module.CheckResult{}
		}
		if r.checkedRcptsPerCheck[s] == nil {
			r.checkedRcptsPerCheck[s] = make(map[string]struct{})
		}
		r.checkedRcptsPerCheck[s][rcptTo] = struct{}{}
		r.checkedRcptsLock.Unlock()

		return s.CheckRcpt(ctx, rcptTo)
	})

	r.checkedRcpts = append(r.checkedRcpts, rcptTo)
	return err
}

// CheckBody runs the body stage of all checks and starts the DMARC policy
// fetch in the background.
func (r *Runner) CheckBody(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	states, err := r.checkStates(ctx)
	if err != nil {
		return err
	}

	if r.p.DMARC && !r.didDMARCFetch {
		r.dmarcVerify.FetchRecord(ctx, header)
		r.didDMARCFetch = true
	}

	return r.runAndMergeResults(states, func(s module.CheckState) module.CheckResult {
		return s.CheckBody(ctx, header, body)
	})
}

// Apply combines the collected results with the DMARC policy and prepends
// the Authentication-Results header together with any fields the checks
// asked to add.
//
// A non-nil return value is the policy rejection the message source should
// report.
func (r *Runner) Apply(header *textproto.Header) error {
	if r.mergedRes.Quarantine {
		r.msgMeta.Quarantine = true
	}

	if r.p.DMARC && r.didDMARCFetch {
		dmarcRes, policy := r.dmarcVerify.Apply(r.mergedRes.AuthResult)
		r.mergedRes.AuthResult = append(r.mergedRes.AuthResult, &dmarcRes.Authres)
		switch policy {
		case dmarc.PolicyReject:
			code := 550
			enchCode := exterrors.EnhancedCode{5, 7, 1}
			if dmarcRes.Authres.Value == authres.ResultTempError {
				code = 450
				enchCode[0] = 4
			}
			return &exterrors.SMTPError{
				Code:         code,
				EnhancedCode: enchCode,
				Message:      "DMARC check failed",
				CheckName:    "dmarc",
				Misc: map[string]interface{}{
					"reason":      dmarcRes.Authres.Reason,
					"dkim_res":    dmarcRes.DKIMResult.Value,
					"dkim_domain": dmarcRes.DKIMResult.Domain,
					"spf_res":     dmarcRes.SPFResult.Value,
					"spf_from":    dmarcRes.SPFResult.From,
				},
			}
		case dmarc.PolicyQuarantine:
			r.msgMeta.Quarantine = true

			// Mimic the message structure for regular checks.
			r.log.Msg("quarantined", "reason", dmarcRes.Authres.Reason, "check", "dmarc")
		}
	}

	// authRes now contains the values we should put into the
	// Authentication-Results header.
	if len(r.mergedRes.AuthResult) != 0 {
		header.Add("Authentication-Results", authres.Format(r.p.Hostname, r.mergedRes.AuthResult))
	}

	for field := r.mergedRes.Header.Fields(); field.Next(); {
		formatted, err := field.Raw()
		if err != nil {
			r.log.Error("malformed header field added by check", err)
		}
		header.AddRaw(formatted)
	}
	return nil
}

// Verdict summarizes the collected results. It is valid after Apply.
func (r *Runner) Verdict() Verdict {
	v := Verdict{
		Quarantine: r.mergedRes.Quarantine,
		Results:    r.mergedRes.AuthResult,
	}
	for _, res := range r.mergedRes.AuthResult {
		switch res := res.(type) {
		case *authres.SPFResult:
			v.SPF = res
		case *authres.DKIMResult:
			v.DKIM = append(v.DKIM, res)
		case *authres.DMARCResult:
			v.DMARC = res
		}
	}
	return v
}

func (r *Runner) Close() {
	r.dmarcVerify.Close()
	for _, state := range r.states {
		state.Close()
	}
}
