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

// Package dsn generates non-delivery reports as defined by RFC 3464
// (delivery status notifications) and RFC 3462 (multipart/report).
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/dns"
)

const rfc822Date = "Mon, 2 Jan 2006 15:04:05 -0700"

// addDNSField appends a "dns; <hostname>" field, converting the hostname
// to the representation permitted by the message encoding.
func addDNSField(h *textproto.Header, utf8 bool, field, hostname string) error {
	v, err := dns.SelectIDNA(utf8, hostname)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert %s to a suitable representation: %w", field, err)
	}
	h.Add(field, "dns; "+v)
	return nil
}

// addAddrField appends an address-typed field, tagged "utf8;" or "rfc822;"
// depending on the message encoding.
func addAddrField(h *textproto.Header, utf8 bool, field, addr string) error {
	v, err := address.SelectIDNA(utf8, addr)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert %s to a suitable representation: %w", field, err)
	}
	if utf8 {
		h.Add(field, "utf8; "+v)
	} else {
		h.Add(field, "rfc822; "+v)
	}
	return nil
}

// singleLine flattens CR/LF sequences that would break the field syntax if
// copied verbatim from a remote server reply.
func singleLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// Message sender address, included as 'X-Marid-Sender: rfc822; ADDR' field.
	XSender string

	// Message identifier, included as 'X-Marid-MsgId: MSGID' field.
	XMessageID string

	// Time when message was enqueued for delivery by Reporting MTA.
	ArrivalDate time.Time

	// Time when message delivery was attempted last time.
	LastAttemptDate time.Time
}

func (info ReportingMTAInfo) WriteTo(utf8 bool, w io.Writer) error {
	// The per-message DSN fields use the MIME header syntax, so the header
	// writer does the formatting for us.
	h := textproto.Header{}

	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}
	if err := addDNSField(&h, utf8, "Reporting-MTA", info.ReportingMTA); err != nil {
		return err
	}

	if info.ReceivedFromMTA != "" {
		if err := addDNSField(&h, utf8, "Received-From-MTA", info.ReceivedFromMTA); err != nil {
			return err
		}
	}

	if info.XSender != "" {
		if err := addAddrField(&h, utf8, "X-Marid-Sender", info.XSender); err != nil {
			return err
		}
	}
	if info.XMessageID != "" {
		h.Add("X-Marid-MsgID", info.XMessageID)
	}

	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format(rfc822Date))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format(rfc822Date))
	}

	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status smtp.EnhancedCode

	// DiagnosticCode is the error that will be returned to the sender.
	DiagnosticCode error
}

// diagnosticCode renders the Diagnostic-Code value for the recipient
// error, or "" if the field should be omitted.
func (info RecipientInfo) diagnosticCode(utf8 bool) string {
	if smtpErr, ok := info.DiagnosticCode.(*smtp.SMTPError); ok {
		return fmt.Sprintf("smtp; %d %d.%d.%d %s",
			smtpErr.Code, smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2],
			singleLine(smtpErr.Message))
	}
	// Local error texts may contain Unicode and there is no mangling
	// logic to strip it, so for ASCII reports the field is omitted.
	if utf8 {
		return "X-Marid; " + singleLine(info.DiagnosticCode.Error())
	}
	return ""
}

func (info RecipientInfo) WriteTo(utf8 bool, w io.Writer) error {
	h := textproto.Header{}

	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	if err := addAddrField(&h, utf8, "Final-Recipient", info.FinalRecipient); err != nil {
		return err
	}

	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	h.Add("Action", string(info.Action))

	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}
	h.Add("Status", fmt.Sprintf("%d.%d.%d", info.Status[0], info.Status[1], info.Status[2]))

	if diag := info.diagnosticCode(utf8); diag != "" {
		h.Add("Diagnostic-Code", diag)
	}

	if info.RemoteMTA != "" {
		if err := addDNSField(&h, utf8, "Remote-MTA", info.RemoteMTA); err != nil {
			return err
		}
	}

	return textproto.WriteHeader(w, h)
}

type Envelope struct {
	MsgID string
	From  string
	To    string
}

// GenerateDSN is a top-level function that should be used for generation of the DSNs.
//
// DSN header will be returned, body itself will be written to outWriter.
func GenerateDSN(utf8 bool, envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, outWriter io.Writer) (textproto.Header, error) {
	partWriter := textproto.NewMultipartWriter(outWriter)
	reportHeader := headerFromPairs([][2]string{
		{"Date", time.Now().Format(rfc822Date)},
		{"Message-Id", envelope.MsgID},
		{"Content-Transfer-Encoding", "8bit"},
		{"Content-Type", "multipart/report; report-type=delivery-status; boundary=" + partWriter.Boundary()},
		{"MIME-Version", "1.0"},
		{"Auto-Submitted", "auto-replied"},
		{"To", envelope.To},
		{"From", envelope.From},
		{"Subject", "Undelivered Mail Returned to Sender"},
	})

	defer partWriter.Close()

	if err := writeHumanReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeMachineReadablePart(utf8, partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	return reportHeader, writeHeaderCopyPart(utf8, partWriter, failedHeader)
}

func headerFromPairs(pairs [][2]string) textproto.Header {
	h := textproto.Header{}
	for _, kv := range pairs {
		h.Add(kv[0], kv[1])
	}
	return h
}

// writeHeaderCopyPart attaches the header of the undeliverable message.
func writeHeaderCopyPart(utf8 bool, w *textproto.MultipartWriter, header textproto.Header) error {
	contentType := "message/rfc822-headers"
	if utf8 {
		contentType = "message/global-headers"
	}
	headerWriter, err := w.CreatePart(headerFromPairs([][2]string{
		{"Content-Description", "Undelivered message header"},
		{"Content-Type", contentType},
		{"Content-Transfer-Encoding", "8bit"},
	}))
	if err != nil {
		return err
	}
	return textproto.WriteHeader(headerWriter, header)
}

func writeMachineReadablePart(utf8 bool, w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	contentType := "message/delivery-status"
	if utf8 {
		contentType = "message/global-delivery-status"
	}
	machineWriter, err := w.CreatePart(headerFromPairs([][2]string{
		{"Content-Type", contentType},
		{"Content-Description", "Delivery report"},
	}))
	if err != nil {
		return err
	}

	// WriteTo adds the blank line separating per-message and per-recipient
	// field groups.
	if err := mtaInfo.WriteTo(utf8, machineWriter); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if err := rcpt.WriteTo(utf8, machineWriter); err != nil {
			return err
		}
	}
	return nil
}

var failedText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.ReportingMTA}}.

Unfortunately, your message could not be delivered to one or more
recipients. The usual cause of this problem is invalid
recipient address or maintenance at the recipient side.

Contact the postmaster for further assistance, provide the Message ID (below):

Message ID: {{.XMessageID}}
Arrival: {{.ArrivalDate}}
Last delivery attempt: {{.LastAttemptDate}}

`))

func writeHumanReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	humanWriter, err := w.CreatePart(headerFromPairs([][2]string{
		{"Content-Transfer-Encoding", "8bit"},
		{"Content-Type", `text/plain; charset="utf-8"`},
		{"Content-Description", "Notification"},
	}))
	if err != nil {
		return err
	}

	mtaInfo.ArrivalDate = mtaInfo.ArrivalDate.Truncate(time.Second)
	mtaInfo.LastAttemptDate = mtaInfo.LastAttemptDate.Truncate(time.Second)

	if err := failedText.Execute(humanWriter, mtaInfo); err != nil {
		return err
	}

	for _, rcpt := range rcptsInfo {
		if _, err := fmt.Fprintf(humanWriter, "Delivery to %s failed with error: %v\n", rcpt.FinalRecipient, rcpt.DiagnosticCode); err != nil {
			return err
		}
	}

	return nil
}
