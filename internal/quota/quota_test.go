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

package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marid-mta/marid/internal/testutils"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T, opts LedgerOpts) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "quota.db"), testutils.Logger(t, "quota"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_UnlimitedByDefault(t *testing.T) {
	l := testLedger(t, LedgerOpts{})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, "mb1", 1024*1024*1024)
	require.NoError(t, err)
	require.NotNil(t, res)

	used, limit, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(1024*1024*1024), used)
	require.Equal(t, int64(0), limit)
}

func TestLedger_OverQuota(t *testing.T) {
	l := testLedger(t, LedgerOpts{})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 1000))

	_, err := l.TryReserve(ctx, "mb1", 600)
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, "mb1", 600)
	var over *OverQuotaError
	require.True(t, errors.As(err, &over))
	require.Equal(t, int64(600), over.Used)
	require.Equal(t, int64(1000), over.Limit)

	// The failed reservation should not have touched the accounting.
	used, _, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(600), used)

	// Exact fit is allowed.
	_, err = l.TryReserve(ctx, "mb1", 400)
	require.NoError(t, err)
}

func TestLedger_Release(t *testing.T) {
	l := testLedger(t, LedgerOpts{})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 1000))

	res, err := l.TryReserve(ctx, "mb1", 800)
	require.NoError(t, err)
	res.Release(ctx)
	// Double release is a no-op.
	res.Release(ctx)

	used, _, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(0), used)

	_, err = l.TryReserve(ctx, "mb1", 800)
	require.NoError(t, err)
}

func TestLedger_SetLimitKeepsUsage(t *testing.T) {
	l := testLedger(t, LedgerOpts{})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 1000))
	_, err := l.TryReserve(ctx, "mb1", 500)
	require.NoError(t, err)

	require.NoError(t, l.SetLimit(ctx, "mb1", 2000))
	used, limit, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(500), used)
	require.Equal(t, int64(2000), limit)
}

func TestLedger_ConcurrentReserve(t *testing.T) {
	l := testLedger(t, LedgerOpts{})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 100))

	// 50 goroutines each trying to reserve 10 bytes against a 100 byte
	// limit: exactly 10 should win no matter the interleaving.
	var (
		wg        sync.WaitGroup
		admitLock sync.Mutex
		admitted  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryReserve(ctx, "mb1", 10); err == nil {
				admitLock.Lock()
				admitted++
				admitLock.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, admitted)
	used, _, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(100), used)
}

func TestLedger_ThresholdEvents(t *testing.T) {
	l := testLedger(t, LedgerOpts{
		WarnThresholds: []int{80, 90, 95},
		WarnInterval:   24 * time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 100))

	_, err := l.TryReserve(ctx, "mb1", 79)
	require.NoError(t, err)
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event below threshold: %+v", ev)
	default:
	}

	// 79 -> 85 crosses 80.
	_, err = l.TryReserve(ctx, "mb1", 6)
	require.NoError(t, err)
	select {
	case ev := <-l.Events():
		require.Equal(t, "mb1", ev.MailboxID)
		require.Equal(t, 80, ev.Threshold)
		require.Equal(t, int64(85), ev.Used)
	default:
		t.Fatal("expected a threshold event")
	}

	// 85 -> 97 crosses both 90 and 95, only the highest is reported.
	_, err = l.TryReserve(ctx, "mb1", 12)
	require.NoError(t, err)
	select {
	case ev := <-l.Events():
		require.Equal(t, 95, ev.Threshold)
	default:
		t.Fatal("expected a threshold event")
	}
}

func TestLedger_ThresholdEventDedup(t *testing.T) {
	l := testLedger(t, LedgerOpts{
		WarnThresholds: []int{80},
		WarnInterval:   24 * time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, l.SetLimit(ctx, "mb1", 100))

	res, err := l.TryReserve(ctx, "mb1", 85)
	require.NoError(t, err)
	<-l.Events()

	// Drop below and cross again within the dedup interval: no new event.
	res.Release(ctx)
	_, err = l.TryReserve(ctx, "mb1", 85)
	require.NoError(t, err)
	select {
	case ev := <-l.Events():
		t.Fatalf("duplicate threshold event: %+v", ev)
	default:
	}
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quota.db")
	ctx := context.Background()

	l, err := Open(path, testutils.Logger(t, "quota"), LedgerOpts{})
	require.NoError(t, err)
	require.NoError(t, l.SetLimit(ctx, "mb1", 1000))
	_, err = l.TryReserve(ctx, "mb1", 500)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, testutils.Logger(t, "quota"), LedgerOpts{})
	require.NoError(t, err)
	defer l.Close()

	used, limit, err := l.Usage(ctx, "mb1")
	require.NoError(t, err)
	require.Equal(t, int64(500), used)
	require.Equal(t, int64(1000), limit)
}
