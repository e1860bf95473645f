/*
Spoold - composable mail processing engine.
Copyright © 2021-2023 Spoold contributors

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

type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError type is a copy of the corresponding go-smtp type with the
// additional context information that is reported by the Fields method and
// used in logging and DSN generation.
type SMTPError struct {
	// SMTP status code. 4xx is considered a temporary failure,
	// everything else is permanent.
	Code int

	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode

	// Human-readable description of the error.
	Message string

	// Name of the component that generated the error.
	TargetName string

	// The underlying reason of the error, if any. It should not be
	// reported to the peers but should be visible in logs.
	Reason string

	// The lower-level error that caused this one, if any.
	Err error

	// Additional context fields for logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

func (se *SMTPError) Error() string {
	if se.Message != "" {
		return se.Message
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return fmt.Sprintf("SMTP error %d", se.Code)
}

// SMTPCode selects one of the passed status codes based on the Temporary()
// status of the error. Errors without a Temporary() method are assumed to be
// temporary.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode replaces the first digit of the passed enhanced code with the
// class matching the Temporary() status of the error.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
