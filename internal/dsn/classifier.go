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

package dsn

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/marid-mta/marid/framework/exterrors"
)

// Category is the coarse-grained classification of a delivery failure that
// decides whether the message is retried and how the failure is reported to
// the sender.
type Category string

const (
	// CategoryHard is a permanent failure, e.g. the mailbox does not exist.
	CategoryHard Category = "hard"
	// CategorySoft is a transient failure that is worth retrying, e.g. the
	// mailbox is full or the remote server is greylisting us.
	CategorySoft Category = "soft"
	// CategoryPolicy is a permanent failure caused by a policy decision of
	// the remote side (DMARC reject, content filtering, reputation).
	CategoryPolicy Category = "policy"
)

// ClassifyStatus maps a RFC 3463 enhanced status code and the basic SMTP
// code to a failure category.
//
// The enhanced code takes precedence when it is meaningful, the basic code
// is used as a fallback since many servers return a generic X.0.0.
func ClassifyStatus(code int, enchCode exterrors.EnhancedCode) Category {
	if enchCode[0] == 4 {
		return CategorySoft
	}

	// Subject/detail pairs with a well-defined meaning. See RFC 3463 and the
	// IANA SMTP enhanced status code registry.
	switch {
	case enchCode[1] == 7:
		// X.7.* - security or policy status.
		return CategoryPolicy
	case enchCode[1] == 1:
		// X.1.* - addressing status: unknown mailbox, unknown domain,
		// mailbox syntax. All permanent.
		return CategoryHard
	case enchCode[1] == 2 && enchCode[2] == 2:
		// X.2.2 - mailbox full. Despite the 5xx code some servers use, it
		// is worth retrying.
		return CategorySoft
	case enchCode[1] == 3 || enchCode[1] == 4:
		// X.3.* / X.4.* - mail system or network status, usually transient
		// conditions of the receiving system.
		if enchCode[0] == 5 {
			return CategoryHard
		}
		return CategorySoft
	}

	if code/100 == 4 {
		return CategorySoft
	}
	return CategoryHard
}

// diagnosticRules augment the status-code classification with provider
// diagnostic strings seen in the wild that misreport the failure class in
// the status code.
var diagnosticRules = []struct {
	pattern  *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`(?i)user (unknown|not found|doesn't have)`), CategoryHard},
	{regexp.MustCompile(`(?i)no such (user|recipient|mailbox)`), CategoryHard},
	{regexp.MustCompile(`(?i)(mailbox|account) (unavailable|disabled|inactive)`), CategoryHard},
	{regexp.MustCompile(`(?i)(mailbox|quota).{0,16}(full|exceeded)`), CategorySoft},
	{regexp.MustCompile(`(?i)greylist`), CategorySoft},
	{regexp.MustCompile(`(?i)try (again|later)`), CategorySoft},
	{regexp.MustCompile(`(?i)rate.{0,8}limit`), CategorySoft},
	{regexp.MustCompile(`(?i)(spam|blocked|blacklist|block list|banned|reputation)`), CategoryPolicy},
	{regexp.MustCompile(`(?i)(dmarc|spf|dkim)`), CategoryPolicy},
	{regexp.MustCompile(`(?i)relay(ing)? denied`), CategoryPolicy},
}

// Classify maps a failed delivery reply to a failure category using both
// the status codes and the diagnostic text.
func Classify(code int, enchCode exterrors.EnhancedCode, diagnostic string) Category {
	for _, rule := range diagnosticRules {
		if rule.pattern.MatchString(diagnostic) {
			// Never upgrade a 4xx reply to a permanent failure based on
			// text matching alone.
			if code/100 == 4 && rule.category != CategorySoft {
				continue
			}
			return rule.category
		}
	}

	return ClassifyStatus(code, enchCode)
}

// ClassifyError maps an error value to a failure category. Non-SMTP errors
// are classified via exterrors.IsTemporaryOrUnspec.
func ClassifyError(err error) Category {
	smtpErr, ok := err.(*exterrors.SMTPError)
	if !ok {
		if exterrors.IsTemporaryOrUnspec(err) {
			return CategorySoft
		}
		return CategoryHard
	}
	return Classify(smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Error())
}

// IsBounceAddress reports whether the address identifies an automated
// notification sender that should never receive a DSN itself. Covers the
// null return path and the conventional MAILER-DAEMON mailbox.
func IsBounceAddress(addr string) bool {
	if addr == "" {
		return true
	}
	mbox := addr
	if i := strings.IndexByte(addr, '@'); i != -1 {
		mbox = addr[:i]
	}
	return strings.EqualFold(mbox, "mailer-daemon") || strings.EqualFold(mbox, "postmaster")
}

var (
	smtpCodeRe = regexp.MustCompile(`\b([245]\d\d)\b`)
	enchCodeRe = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)
)

// ExtractSMTPCode pulls the basic SMTP status code out of a free-form
// diagnostic string. Returns 0 if none is found.
func ExtractSMTPCode(diagnostic string) int {
	m := smtpCodeRe.FindStringSubmatch(diagnostic)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// ExtractEnhancedCode pulls the RFC 3463 enhanced status code out of a
// free-form diagnostic string. Returns the zero value if none is found.
func ExtractEnhancedCode(diagnostic string) exterrors.EnhancedCode {
	m := enchCodeRe.FindStringSubmatch(diagnostic)
	if m == nil {
		return exterrors.EnhancedCode{}
	}
	var ec exterrors.EnhancedCode
	for i := 0; i < 3; i++ {
		ec[i], _ = strconv.Atoi(m[i+1])
	}
	return ec
}
