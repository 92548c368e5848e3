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

package module

// FailAction specifies what a check should do when the condition it checks
// for is detected: ignore it, quarantine the message or reject it.
type FailAction struct {
	Quarantine bool
	Reject     bool

	// If non-nil - replaces the reason reported by the check. Useful when
	// the operator does not want to disclose the exact reason to the
	// client.
	ReasonOverride error
}

// Apply merges the action into the passed check result. If the result
// carries no failure reason, it is returned unchanged. If the action is
// neither reject nor quarantine, the reason is dropped and the failure is
// effectively ignored (it is still reported via AuthResult).
func (cfa FailAction) Apply(originalRes CheckResult) CheckResult {
	if originalRes.Reason == nil {
		return originalRes
	}

	if cfa.ReasonOverride != nil {
		originalRes.Reason = cfa.ReasonOverride
	}
	originalRes.Quarantine = cfa.Quarantine || originalRes.Quarantine
	originalRes.Reject = cfa.Reject || originalRes.Reject
	if !cfa.Reject && !cfa.Quarantine {
		originalRes.Reason = nil
	}
	return originalRes
}
