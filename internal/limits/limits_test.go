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

package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/internal/testutils"
)

func TestGroup_TryAdmit(t *testing.T) {
	g := NewGroup(Config{
		PerDomain: 2,
		Window:    1 * time.Hour,
	}, testutils.Logger(t, "limits"))
	defer g.Close()

	for i := 0; i < 2; i++ {
		if err := g.TryAdmit("example.org", Outbound, 1); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	err := g.TryAdmit("example.org", Outbound, 1)
	if err == nil {
		t.Fatal("3rd attempt admitted, want denied")
	}

	var denied Denied
	if !errors.As(err, &denied) {
		t.Fatalf("error is %T, want Denied", err)
	}
	if denied.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", denied.RetryAfter)
	}
	if !exterrors.IsTemporary(err) {
		t.Error("denial is not temporary, message would bounce")
	}

	// Same domain, other direction - separate budget.
	if err := g.TryAdmit("example.org", Inbound, 1); err != nil {
		t.Errorf("inbound denied by outbound counter: %v", err)
	}
}

func TestGroup_TryAdmit_failOpen(t *testing.T) {
	g := NewGroup(Config{
		PerDomain:  1,
		Window:     1 * time.Hour,
		MaxTracked: 1,
	}, testutils.Logger(t, "limits"))
	defer g.Close()

	if err := g.TryAdmit("example.org", Outbound, 1); err != nil {
		t.Fatal(err)
	}

	// Tracking table is full of active entries, the message is let
	// through unaccounted.
	if err := g.TryAdmit("example.com", Outbound, 1); err != nil {
		t.Errorf("admission failed closed: %v", err)
	}
}

func TestGroup_TryAdmit_disabled(t *testing.T) {
	g := NewGroup(Config{}, testutils.Logger(t, "limits"))
	defer g.Close()

	for i := 0; i < 100; i++ {
		if err := g.TryAdmit("example.org", Outbound, 1); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGroup_DestConcurrency(t *testing.T) {
	g := NewGroup(Config{DestConcurrency: 1}, testutils.Logger(t, "limits"))
	defer g.Close()

	if err := g.TakeDest(context.Background(), "example.org"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.TakeDest(ctx, "example.org"); err == nil {
		t.Fatal("second slot for the same domain granted")
	}

	g.ReleaseDest("example.org")
	if err := g.TakeDest(context.Background(), "example.org"); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
	g.ReleaseDest("example.org")
}
