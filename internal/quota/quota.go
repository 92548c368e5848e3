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

// Package quota implements the per-mailbox byte-accounting ledger that
// gates local deliveries.
//
// The check-and-increment is a single SQL UPDATE so concurrent deliveries
// to one mailbox can never jointly exceed the limit no matter the
// interleaving. The ledger fails closed: if its backing store is broken,
// reservations are rejected (with a temporary error) rather than admitted.
package quota

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marid_quota_rejected_total",
		Help: "Amount of rejected quota reservations",
	}, []string{"reason"})
	usageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marid_quota_usage_ratio",
		Help: "Used-to-limit ratio per mailbox, for mailboxes touched since start",
	}, []string{"mailbox"})
)

// Event is emitted when a mailbox usage crosses one of the configured
// warning thresholds. Consumed by the (external) notification system.
type Event struct {
	MailboxID string
	// Crossed threshold, in percent of the limit.
	Threshold int
	Used      int64
	Limit     int64
	At        time.Time
}

// OverQuotaError is returned by TryReserve when the reservation does not
// fit into the mailbox limit. It is a permanent error.
type OverQuotaError struct {
	Used  int64
	Limit int64
}

func (oqe *OverQuotaError) Error() string {
	return "quota: mailbox storage limit exceeded"
}

func (oqe *OverQuotaError) Temporary() bool {
	return false
}

func (oqe *OverQuotaError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"used_bytes":  oqe.Used,
		"quota_bytes": oqe.Limit,
	}
}

type warnKey struct {
	mailbox   string
	threshold int
}

// Ledger is the storage-backed quota accounting object.
type Ledger struct {
	db  *sql.DB
	log log.Logger

	// Thresholds (percent, ascending) that produce Events when crossed.
	thresholds   []int
	warnInterval time.Duration

	warnLock sync.Mutex
	lastWarn map[warnKey]time.Time

	events chan Event
}

type LedgerOpts struct {
	// Usage percentages that trigger warning events. Sorted copies are not
	// required, the slice is used as-is.
	WarnThresholds []int

	// Minimum interval between repeated events for the same mailbox and
	// threshold.
	WarnInterval time.Duration
}

// Open opens (and initializes, if needed) the ledger database at path.
func Open(path string, logger log.Logger, opts LedgerOpts) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, exterrors.WithFields(err, map[string]interface{}{"quota_db": path})
	}

	// Concurrent writers are serialized by SQLite itself, sql.DB connection
	// pooling only adds lock contention for this workload.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mailboxes (
		id TEXT PRIMARY KEY NOT NULL,
		quota_bytes INTEGER NOT NULL DEFAULT 0,
		used_bytes INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, exterrors.WithFields(err, map[string]interface{}{"quota_db": path})
	}

	if opts.WarnInterval == 0 {
		opts.WarnInterval = 24 * time.Hour
	}

	return &Ledger{
		db:           db,
		log:          logger,
		thresholds:   opts.WarnThresholds,
		warnInterval: opts.WarnInterval,
		lastWarn:     map[warnKey]time.Time{},
		events:       make(chan Event, 32),
	}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Events returns the channel threshold-crossing events are delivered on.
// If nobody consumes the channel, events are dropped, reservations are
// never blocked by it.
func (l *Ledger) Events() <-chan Event {
	return l.events
}

// SetLimit creates or updates the mailbox account, limit = 0 means
// unlimited. Usage accounting is preserved on update.
func (l *Ledger) SetLimit(ctx context.Context, mailboxID string, limit int64) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO mailboxes (id, quota_bytes) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET quota_bytes = excluded.quota_bytes`, mailboxID, limit)
	if err != nil {
		return l.storeErr(err)
	}
	return nil
}

// Usage reports the current accounting state of the mailbox.
func (l *Ledger) Usage(ctx context.Context, mailboxID string) (used, limit int64, err error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT used_bytes, quota_bytes FROM mailboxes WHERE id = ?`, mailboxID)
	if err := row.Scan(&used, &limit); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, l.storeErr(err)
	}
	return used, limit, nil
}

// Reservation represents bytes already committed into the ledger for an
// in-progress delivery. Release rolls the increment back if the delivery
// fails after the reservation was made.
type Reservation struct {
	l         *Ledger
	mailboxID string
	bytes     int64

	released bool
}

// TryReserve atomically reserves bytes of storage for a message being
// delivered to the mailbox.
//
// A mailbox without a ledger row is treated as unlimited and the row is
// created on first use.
//
// The returned error is *OverQuotaError if the reservation does not fit.
// Backing store failures also produce a non-nil (temporary) error: the
// ledger never admits a delivery it cannot account for.
func (l *Ledger) TryReserve(ctx context.Context, mailboxID string, bytes int64) (*Reservation, error) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO mailboxes (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, mailboxID)
	if err != nil {
		reservationsRejected.WithLabelValues("store_error").Inc()
		return nil, l.storeErr(err)
	}

	var used, limit int64
	row := l.db.QueryRowContext(ctx, `UPDATE mailboxes
		SET used_bytes = used_bytes + ?
		WHERE id = ? AND (quota_bytes = 0 OR used_bytes + ? <= quota_bytes)
		RETURNING used_bytes, quota_bytes`, bytes, mailboxID, bytes)
	if err := row.Scan(&used, &limit); err != nil {
		if err != sql.ErrNoRows {
			reservationsRejected.WithLabelValues("store_error").Inc()
			return nil, l.storeErr(err)
		}

		// The guard did not pass - fetch the state for the error report.
		used, limit, err := l.Usage(ctx, mailboxID)
		if err != nil {
			reservationsRejected.WithLabelValues("store_error").Inc()
			return nil, err
		}
		reservationsRejected.WithLabelValues("over_quota").Inc()
		return nil, &OverQuotaError{Used: used, Limit: limit}
	}

	if limit > 0 {
		usageRatio.WithLabelValues(mailboxID).Set(float64(used) / float64(limit))
		l.checkThresholds(mailboxID, used, limit, bytes)
	}

	return &Reservation{l: l, mailboxID: mailboxID, bytes: bytes}, nil
}

// Release rolls back the reservation. It is a no-op if called more than
// once. Rollback failure is logged but not returned since there is nothing
// the caller can do about it.
func (r *Reservation) Release(ctx context.Context) {
	if r.released {
		return
	}
	r.released = true

	_, err := r.l.db.ExecContext(ctx, `UPDATE mailboxes
		SET used_bytes = MAX(used_bytes - ?, 0) WHERE id = ?`, r.bytes, r.mailboxID)
	if err != nil {
		r.l.log.Error("quota rollback failed", err,
			"mailbox", r.mailboxID, "bytes", r.bytes)
	}
}

// checkThresholds emits an Event for the highest threshold newly crossed
// by this reservation, with per-(mailbox, threshold) rate limiting.
func (l *Ledger) checkThresholds(mailboxID string, used, limit, added int64) {
	usedPct := used * 100 / limit
	prevPct := (used - added) * 100 / limit

	crossed := -1
	for _, thr := range l.thresholds {
		if usedPct >= int64(thr) && prevPct < int64(thr) && thr > crossed {
			crossed = thr
		}
	}
	if crossed == -1 {
		return
	}

	key := warnKey{mailboxID, crossed}
	now := time.Now()
	l.warnLock.Lock()
	if last, ok := l.lastWarn[key]; ok && now.Sub(last) < l.warnInterval {
		l.warnLock.Unlock()
		return
	}
	l.lastWarn[key] = now
	l.warnLock.Unlock()

	ev := Event{
		MailboxID: mailboxID,
		Threshold: crossed,
		Used:      used,
		Limit:     limit,
		At:        now,
	}
	select {
	case l.events <- ev:
	default:
		l.log.Msg("quota event dropped, consumer too slow",
			"mailbox", mailboxID, "threshold", crossed)
	}
}

func (l *Ledger) storeErr(err error) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage accounting error",
		Reason:       "quota ledger store failure",
		Err:          err,
	}
}
