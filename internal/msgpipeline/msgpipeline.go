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

// Package msgpipeline routes messages between delivery targets.
//
// The pipeline splits recipients of one message between the local and the
// remote target based on the recipient domain, runs the authentication
// checks and applies modifiers (such as the DKIM signer) to the message
// before it reaches any target.
package msgpipeline

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/check"
	"github.com/marid-mta/marid/internal/modify"
	"github.com/marid-mta/marid/internal/target"
)

// MsgPipeline is the object that is responsible for selecting delivery
// targets for the message and running necessary checks and modifiers.
//
// It implements module.DeliveryTarget.
type MsgPipeline struct {
	Hostname string

	// Checks, if non-nil, is the authentication pipeline to run for each
	// message. DSN messages bypass it.
	Checks *check.Pipeline

	// Modifiers are applied to the message after check results so that
	// DKIM signatures cover the Authentication-Results field.
	Modifiers modify.Group

	// LocalDomains is the set of domains for which recipients are routed
	// to Local. Keys are normalized with dns.ForLookup. Everything else
	// goes to Remote.
	LocalDomains map[string]bool

	Local  module.DeliveryTarget
	Remote module.DeliveryTarget

	// FirstPipeline marks the pipeline that receives messages directly
	// from the external source, as opposed to being embedded into
	// another pipeline.
	//
	// At the moment, the only operation gated by it is the addition of
	// the Received header field. See Body for where and why.
	FirstPipeline bool

	Log log.Logger
}

// targetDelivery pairs the delivery object of one target with the original
// (pre-RewriteRcpt) recipient addresses assigned to it.
type targetDelivery struct {
	module.Delivery
	recipients []string
}

type pipelineDelivery struct {
	p *MsgPipeline

	modifiersState module.ModifierState

	log log.Logger

	sourceAddr string

	deliveries  map[module.DeliveryTarget]*targetDelivery
	msgMeta     *module.MsgMetadata
	checkRunner *check.Runner
}

// Start starts new message delivery, runs connection and sender checks and
// sender modifiers.
//
// Returned module.Delivery implements PartialDelivery. If the underlying
// target doesn't support it, the pipeline will copy the returned error for
// all recipients handled by the target.
func (p *MsgPipeline) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	pd := pipelineDelivery{
		p:          p,
		deliveries: make(map[module.DeliveryTarget]*targetDelivery),
		msgMeta:    msgMeta,
		log:        target.DeliveryLogger(p.Log, msgMeta),
	}
	if p.Checks != nil && !msgMeta.DSN {
		pd.checkRunner = p.Checks.Start(msgMeta)
	}

	if msgMeta.OriginalRcpts == nil {
		msgMeta.OriginalRcpts = map[string]string{}
	}

	if err := pd.start(ctx, msgMeta, mailFrom); err != nil {
		pd.close()
		return nil, err
	}

	return &pd, nil
}

func (pd *pipelineDelivery) start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) error {
	if pd.checkRunner != nil {
		if err := pd.checkRunner.CheckConnSender(ctx, mailFrom); err != nil {
			return err
		}
	}

	modState, err := pd.p.Modifiers.ModStateForMsg(ctx, msgMeta)
	if err != nil {
		return err
	}
	mailFrom, err = modState.RewriteSender(ctx, mailFrom)
	if err != nil {
		modState.Close()
		return err
	}
	pd.modifiersState = modState

	pd.sourceAddr = mailFrom
	return nil
}

func (pd *pipelineDelivery) targetForRcpt(rcptTo string) (module.DeliveryTarget, error) {
	cleanRcpt, err := address.ForLookup(rcptTo)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient address",
			Err:          err,
		}
	}

	_, domain, err := address.Split(cleanRcpt)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
			Err:          err,
			Reason:       "Can't extract local-part and host-part",
		}
	}

	// domain comes from cleanRcpt so it is already case-folded and
	// normalized.
	tgt := pd.p.Remote
	if pd.p.LocalDomains[domain] {
		tgt = pd.p.Local
		pd.log.Debugf("recipient %s matched local domain '%s'", rcptTo, domain)
	}
	if tgt == nil {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 2},
			Message:      "Not accepting deliveries for this domain",
			Reason:       "no target configured for the domain",
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	return tgt, nil
}

// addSingleRcpt routes one (already rewritten) recipient to its target.
// originalTo is the address as the sender specified it.
func (pd *pipelineDelivery) addSingleRcpt(ctx context.Context, to, originalTo string) error {
	if originalTo != to {
		pd.msgMeta.OriginalRcpts[to] = originalTo
	}

	tgt, err := pd.targetForRcpt(to)
	if err != nil {
		return err
	}

	dl, err := pd.getDelivery(ctx, tgt)
	if err != nil {
		return err
	}

	if err := dl.AddRcpt(ctx, to); err != nil {
		return err
	}
	dl.recipients = append(dl.recipients, originalTo)
	return nil
}

func (pd *pipelineDelivery) AddRcpt(ctx context.Context, to string) error {
	if pd.checkRunner != nil {
		if err := pd.checkRunner.CheckRcpt(ctx, to); err != nil {
			return err
		}
	}

	originalTo := to

	newTo, err := pd.modifiersState.RewriteRcpt(ctx, to)
	if err != nil {
		return err
	}
	pd.log.Debugln("rcpt modifiers:", to, "=>", newTo)

	for _, to = range newTo {
		if err := pd.addSingleRcpt(ctx, to, originalTo); err != nil {
			return exterrors.WithFields(err, map[string]interface{}{
				"effective_rcpt": to,
			})
		}
	}

	return nil
}

func (pd *pipelineDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	if pd.checkRunner != nil {
		if err := pd.checkRunner.CheckBody(ctx, header, body); err != nil {
			return err
		}
	}

	if pd.p.FirstPipeline {
		// Add Received *after* checks to make sure they see the message
		// literally how we received it BUT place it below any other field
		// that might be added by the check results (including
		// Authentication-Results) per recommendation in RFC 7001, Section 4.
		received, err := target.GenerateReceived(ctx, pd.msgMeta, pd.p.Hostname, pd.msgMeta.OriginalFrom)
		if err != nil {
			return err
		}
		header.Add("Received", received)
	}

	if pd.checkRunner != nil {
		if err := pd.checkRunner.Apply(&header); err != nil {
			return err
		}
	}

	// Modifiers go after the Authentication-Results addition so that
	// signatures cover it.
	if err := pd.modifiersState.RewriteBody(ctx, &header, body); err != nil {
		return err
	}

	for _, dl := range pd.deliveries {
		if err := dl.Body(ctx, header, body); err != nil {
			return err
		}
		pd.log.Debugf("delivery.Body ok, Delivery object = %T", dl)
	}
	return nil
}

// statusCollector maps statuses reported by delivery targets back to the
// original recipient addresses.
//
// Targets see addresses after RewriteRcpt, but statuses must be reported
// using the values the sender specified. The translation is done per
// status instead of collect-then-report so that statuses propagate as
// soon as the target sets them.
type statusCollector struct {
	originalRcpts map[string]string
	wrapped       module.StatusCollector
}

func (sc statusCollector) SetStatus(rcptTo string, err error) {
	if original, ok := sc.originalRcpts[rcptTo]; ok {
		rcptTo = original
	}
	sc.wrapped.SetStatus(rcptTo, err)
}

func (pd *pipelineDelivery) setStatusAll(c module.StatusCollector, err error) {
	for _, dl := range pd.deliveries {
		for _, rcpt := range dl.recipients {
			c.SetStatus(rcpt, err)
		}
	}
}

func (pd *pipelineDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	if pd.checkRunner != nil {
		if err := pd.checkRunner.CheckBody(ctx, header, body); err != nil {
			pd.setStatusAll(c, err)
			return
		}
		if err := pd.checkRunner.Apply(&header); err != nil {
			pd.setStatusAll(c, err)
			return
		}
	}

	// Modifiers go after the Authentication-Results addition so that
	// signatures cover it.
	if err := pd.modifiersState.RewriteBody(ctx, &header, body); err != nil {
		pd.setStatusAll(c, err)
		return
	}

	for _, dl := range pd.deliveries {
		if partDelivery, ok := dl.Delivery.(module.PartialDelivery); ok {
			partDelivery.BodyNonAtomic(ctx, statusCollector{
				originalRcpts: pd.msgMeta.OriginalRcpts,
				wrapped:       c,
			}, header, body)
			continue
		}

		if err := dl.Body(ctx, header, body); err != nil {
			for _, rcpt := range dl.recipients {
				c.SetStatus(rcpt, err)
			}
		}
	}
}

func (pd pipelineDelivery) Commit(ctx context.Context) error {
	pd.close()

	for _, dl := range pd.deliveries {
		if err := dl.Commit(ctx); err != nil {
			// No point in Committing remaining deliveries, everything is
			// broken already.
			return err
		}
	}
	return nil
}

func (pd *pipelineDelivery) close() {
	if pd.checkRunner != nil {
		pd.checkRunner.Close()
	}

	if pd.modifiersState != nil {
		pd.modifiersState.Close()
	}
}

func (pd pipelineDelivery) Abort(ctx context.Context) error {
	pd.close()

	// Abort all delivery objects even if some fail, reporting the last
	// error seen.
	var lastErr error
	for _, dl := range pd.deliveries {
		if err := dl.Abort(ctx); err != nil {
			pd.log.Debugf("delivery.Abort failure, Delivery object = %T: %v", dl, err)
			lastErr = err
		}
	}
	return lastErr
}

func (pd *pipelineDelivery) getDelivery(ctx context.Context, tgt module.DeliveryTarget) (*targetDelivery, error) {
	if dl, ok := pd.deliveries[tgt]; ok {
		return dl, nil
	}

	deliveryObj, err := tgt.Start(ctx, pd.msgMeta, pd.sourceAddr)
	if err != nil {
		pd.log.Debugf("tgt.Start(%s) failure, target = %s: %v", pd.sourceAddr, objectName(tgt), err)
		return nil, err
	}
	pd.log.Debugf("tgt.Start(%s) ok, target = %s", pd.sourceAddr, objectName(tgt))

	dl := &targetDelivery{Delivery: deliveryObj}
	pd.deliveries[tgt] = dl
	return dl, nil
}

// Mock returns a MsgPipeline that merely delivers messages to the specified
// target.
//
// It is meant for use in tests for modules that embed a pipeline object.
func Mock(tgt module.DeliveryTarget) *MsgPipeline {
	return &MsgPipeline{
		Remote: tgt,
	}
}
