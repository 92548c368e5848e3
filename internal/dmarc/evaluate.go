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
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/dns"
	"golang.org/x/net/publicsuffix"
)

// lookupPolicyTXT fetches the _dmarc TXT RRset for domain, treating
// NXDOMAIN the same as an empty RRset.
func lookupPolicyTXT(ctx context.Context, r Resolver, domain string) ([]string, error) {
	txts, err := r.LookupTXT(ctx, dns.FQDN("_dmarc."+domain))
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if !ok || !dnsErr.IsNotFound {
			return nil, err
		}
	}
	return txts, nil
}

// FetchRecord looks up the DMARC record relevant for the RFC5322.From domain.
// It returns the record and the domain it was found with (may not be
// equal to the RFC5322.From domain).
func FetchRecord(ctx context.Context, r Resolver, fromDomain string) (policyDomain string, rec *Record, err error) {
	policyDomain = fromDomain
	txts, err := lookupPolicyTXT(ctx, r, fromDomain)
	if err != nil {
		return "", nil, err
	}

	if len(txts) == 0 {
		// Nothing on the exact domain, fall back to the organizational one.
		policyDomain, err = publicsuffix.EffectiveTLDPlusOne(fromDomain)
		if err != nil {
			return "", nil, err
		}

		txts, err = lookupPolicyTXT(ctx, r, policyDomain)
		if err != nil {
			return "", nil, err
		}
		if len(txts) == 0 {
			return "", nil, nil
		}
	}

	// Unrelated TXT records living on the _dmarc name do not count.
	records := txts[:0]
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	// RFC 7489, Section 6.6.3: anything but exactly one policy record
	// means there is no policy at all.
	if len(records) != 1 {
		return "", nil, nil
	}

	rec, err = dmarc.Parse(records[0])

	return policyDomain, rec, err
}

type EvalResult struct {
	// The Authentication-Results field generated as a result of the DMARC
	// check.
	Authres authres.DMARCResult

	// The Authentication-Results field for SPF that was considered during
	// alignment check. May be empty.
	SPFResult authres.SPFResult

	// Whether HELO or MAIL FROM match the RFC5322.From domain.
	SPFAligned bool

	// The Authentication-Results field for the DKIM signature that is aligned,
	// if no signatures are aligned - this field contains the result for the
	// first signature. May be empty.
	DKIMResult authres.DKIMResult

	// Whether there is a DKIM signature with the d= field matching the
	// RFC5322.From domain.
	DKIMAligned bool
}

// dkimOutcome summarizes all DKIM signature results for the alignment
// decision.
type dkimOutcome struct {
	present  bool
	aligned  bool
	tempFail bool
	result   authres.DKIMResult
}

func gatherDKIM(fromDomain string, record *Record, results []authres.Result) dkimOutcome {
	var out dkimOutcome
	for _, res := range results {
		dkimRes, ok := res.(*authres.DKIMResult)
		if !ok {
			continue
		}
		out.present = true

		// Prefer reporting the result for an aligned signature. When none
		// of them align, the first one is kept for reference.
		if out.result.Value == "" {
			out.result = *dkimRes
		}
		if !isAligned(fromDomain, dkimRes.Domain, record.DKIMAlignment) {
			continue
		}
		out.result = *dkimRes
		switch dkimRes.Value {
		case authres.ResultPass:
			out.aligned = true
		case authres.ResultTempError:
			out.tempFail = true
		}
	}
	return out
}

func gatherSPF(fromDomain string, record *Record, results []authres.Result) (res authres.SPFResult, aligned bool) {
	for _, r := range results {
		spfRes, ok := r.(*authres.SPFResult)
		if !ok {
			continue
		}
		res = *spfRes

		// The MAIL FROM identity takes precedence, HELO is what is left
		// for the null sender.
		ident := spfRes.From
		if ident == "" {
			ident = spfRes.Helo
		}
		if isAligned(fromDomain, ident, record.SPFAlignment) && spfRes.Value == authres.ResultPass {
			aligned = true
		}
	}
	return res, aligned
}

// EvaluateAlignment checks whether identifiers authenticated by SPF and DKIM are in alignment
// with the RFC5322.Domain.
//
// It returns EvalResult which contains the Authres field with the actual check result and
// a bunch of other trace information that can be useful for troubleshooting
// (and also report generation).
func EvaluateAlignment(fromDomain string, record *Record, results []authres.Result) EvalResult {
	dkim := gatherDKIM(fromDomain, record, results)
	spfResult, spfAligned := gatherSPF(fromDomain, record, results)

	res := EvalResult{
		SPFResult:   spfResult,
		SPFAligned:  spfAligned,
		DKIMResult:  dkim.result,
		DKIMAligned: dkim.aligned,
	}

	if !dkim.present || spfResult.Value == "" {
		res.Authres = authres.DMARCResult{
			Value:  authres.ResultNone,
			Reason: "Not enough information (required checks are disabled)",
			From:   fromDomain,
		}
		return res
	}

	// A temporary failure of one mechanism makes the whole evaluation
	// inconclusive unless the other one already proves alignment.
	if dkim.tempFail && !dkim.aligned && !spfAligned {
		res.Authres = authres.DMARCResult{
			Value:  authres.ResultTempError,
			Reason: "DKIM authentication temp error",
			From:   fromDomain,
		}
		return res
	}
	if !dkim.aligned && spfResult.Value == authres.ResultTempError {
		res.Authres = authres.DMARCResult{
			Value:  authres.ResultTempError,
			Reason: "SPF authentication temp error",
			From:   fromDomain,
		}
		return res
	}

	res.Authres.From = fromDomain
	if dkim.aligned || spfAligned {
		res.Authres.Value = authres.ResultPass
	} else {
		res.Authres.Value = authres.ResultFail
		res.Authres.Reason = "No aligned identifiers"
	}
	return res
}

// isAligned implements the identifier alignment test from RFC 7489,
// Section 3.1. Relaxed alignment compares organizational domains, strict
// alignment requires an exact (case-insensitive) match.
func isAligned(fromDomain, authDomain string, mode AlignmentMode) bool {
	if mode == dmarc.AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}

	fromOrg, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if err != nil {
		return false
	}
	authOrg, err := publicsuffix.EffectiveTLDPlusOne(authDomain)
	if err != nil {
		return false
	}

	return strings.EqualFold(fromOrg, authOrg)
}

// singleFromField returns the value of the sole From header field,
// erroring out if there are zero or multiple of them.
func singleFromField(hdr textproto.Header) (string, error) {
	fields := hdr.FieldsByKey("From")
	if !fields.Next() {
		return "", errors.New("dmarc: missing From header field")
	}
	from := fields.Value()
	if fields.Next() {
		return "", errors.New("dmarc: multiple From header fields are not allowed")
	}
	return from, nil
}

func ExtractFromDomain(hdr textproto.Header) (string, error) {
	from, err := singleFromField(hdr)
	if err != nil {
		return "", err
	}

	fromList, err := mail.ParseAddressList(from)
	if err != nil {
		return "", fmt.Errorf("dmarc: malformed From header field: %s", strings.TrimPrefix(err.Error(), "mail: "))
	}
	if len(fromList) > 1 {
		return "", errors.New("dmarc: multiple addresses in From field are not allowed")
	}
	if len(fromList) == 0 {
		return "", errors.New("dmarc: missing address in From field")
	}

	_, domain, err := address.Split(fromList[0].Address)
	if err != nil {
		return "", fmt.Errorf("dmarc: malformed From header field: %w", err)
	}
	return domain, nil
}
