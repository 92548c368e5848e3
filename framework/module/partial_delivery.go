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

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
)

// StatusCollector is provided by a message source that wants per-recipient
// status reports when only part of a delivery fails.
type StatusCollector interface {
	// SetStatus records the delivery outcome for one recipient.
	//
	// rcptTo must be exactly the value passed to AddRcpt. Targets that
	// rewrite recipient addresses still report using the original value.
	//
	// Callers use it at most once per recipient and never after
	// BodyNonAtomic returns.
	//
	// Implementations serialize concurrent calls, so it is safe to use
	// from multiple goroutines.
	SetStatus(rcptTo string, err error)
}

// PartialDelivery can optionally be implemented by the Delivery object
// returned from DeliveryTarget.Start.
type PartialDelivery interface {
	// BodyNonAtomic works like Delivery.Body but lets the target fail the
	// body for a subset of recipients by reporting statuses through the
	// collector instead of returning a single error.
	//
	// The LMTP endpoint and the delivery queue use this form when
	// available so partial failures are handled per recipient.
	BodyNonAtomic(ctx context.Context, c StatusCollector, header textproto.Header, body buffer.Buffer)
}
