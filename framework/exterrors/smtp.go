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

package exterrors

import (
	"fmt"
)

// EnhancedCode is a RFC 3463 enhanced status code, e.g. 5.1.1 is
// EnhancedCode{5, 1, 1}.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the failure of a mail operation expressed in terms of SMTP
// status codes. It is the primary error value exchanged between delivery
// targets, checks and the queue.
//
// Values with Code in the 4xx range are temporary, everything else is
// permanent.
type SMTPError struct {
	// Basic SMTP status code.
	Code int

	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode

	// Message that should be returned to the client.
	Message string

	// The name of the delivery target that generated this error.
	TargetName string

	// The name of the check that generated this error.
	CheckName string

	// Detailed reason for logging, not necessarily suitable for the client.
	Reason string

	// Underlying error value, if any.
	Err error

	// Additional fields for structured logging.
	Misc map[string]interface{}
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+6)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.CheckName != "" {
		ctx["check"] = err.CheckName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	if err.Err != nil {
		ctx["underlying_err"] = err.Err
	}
	return ctx
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// SMTPCode returns temporaryCode or permanentCode based on the
// temporariness of the passed error value (IsTemporaryOrUnspec).
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode sets the class digit of code to 4 or 5 based on the
// temporariness of the passed error value (IsTemporaryOrUnspec). The
// class digit passed in code is ignored.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
