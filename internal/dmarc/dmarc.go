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

// Package dmarc implements the DMARC policy evaluation used during message
// authentication, including the asynchronous record fetch and the
// identifier alignment checks.
package dmarc

import (
	"context"

	"github.com/emersion/go-msgauth/dmarc"
)

type (
	Resolver interface {
		LookupTXT(context.Context, string) ([]string, error)
	}

	Record         = dmarc.Record
	Policy         = dmarc.Policy
	AlignmentMode  = dmarc.AlignmentMode
	FailureOptions = dmarc.FailureOptions
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyReject     = dmarc.PolicyReject
	PolicyQuarantine = dmarc.PolicyQuarantine
)
