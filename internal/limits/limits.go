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

// Package limits restricts the concurrency and rate of the message flow,
// globally and keyed by the remote domain.
//
// Note, all domain inputs are interpreted with the assumption they are already
// normalized.
//
// Low-level components are available in the limiters/ subpackage.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/internal/limits/limiters"
	"github.com/prometheus/client_golang/prometheus"
)

// Direction tells the limiter which side of the flow an operation belongs
// to. Inbound and outbound traffic to the same domain are counted
// independently.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Config struct {
	// MaxConcurrency caps the amount of deliveries running in parallel.
	// Zero disables the cap.
	MaxConcurrency int

	// PerDomain is the amount of messages admitted per Window for each
	// (domain, direction) pair. Zero disables per-domain admission.
	PerDomain int
	Window    time.Duration

	// DestConcurrency caps the amount of parallel deliveries to a single
	// remote domain. Zero disables the cap.
	DestConcurrency int

	// MaxTracked bounds the amount of (domain, direction) pairs tracked at
	// once. When the table overflows with active entries, admission fails
	// open.
	MaxTracked int
}

// Denied is returned by TryAdmit when a message does not fit into the
// per-domain window. It maps to a temporary SMTP error so the caller
// reschedules instead of bouncing.
type Denied struct {
	Key        string
	RetryAfter time.Duration
}

func (d Denied) Error() string {
	return fmt.Sprintf("limits: %s over quota, retry in %v", d.Key, d.RetryAfter)
}

func (d Denied) Temporary() bool {
	return true
}

var deniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marid_ratelimit_denied_total",
		Help: "Messages denied by the per-domain rate limiter",
	},
	[]string{"direction"},
)

func init() {
	prometheus.MustRegister(deniedTotal)
}

type Group struct {
	global  limiters.MultiLimit
	dest    *limiters.BucketSet // BucketSet of Semaphore
	windows *limiters.WindowSet

	Log log.Logger
}

func NewGroup(cfg Config, logger log.Logger) *Group {
	g := &Group{Log: logger}

	if cfg.MaxConcurrency > 0 {
		g.global = limiters.MultiLimit{Wrapped: []limiters.L{
			limiters.NewSemaphore(cfg.MaxConcurrency),
		}}
	}

	if cfg.DestConcurrency > 0 {
		g.dest = limiters.NewBucketSet(func() limiters.L {
			return limiters.NewSemaphore(cfg.DestConcurrency)
		}, 1*time.Minute, 20010)
	}

	if cfg.PerDomain > 0 {
		window := cfg.Window
		if window == 0 {
			window = 1 * time.Minute
		}
		maxTracked := cfg.MaxTracked
		if maxTracked == 0 {
			maxTracked = 20010
		}
		g.windows = limiters.NewWindowSet(func() *limiters.Window {
			return limiters.NewWindow(cfg.PerDomain, window)
		}, maxTracked)
	}

	return g
}

// TryAdmit checks the per-domain window for the given flow without
// blocking. A Denied error carries the suggested retry delay and is
// temporary in the SMTP sense.
//
// An unavailable limiter (tracking table exhausted by active entries)
// admits the message: losing precision on a single window is preferable to
// stalling the flow entirely.
func (g *Group) TryAdmit(domain string, dir Direction, cost int) error {
	if g.windows == nil {
		return nil
	}

	key := string(dir) + "/" + domain
	ok, retryAfter, full := g.windows.TryAdmit(key, cost)
	if full {
		g.Log.Msg("rate limiter table full, admitting without accounting", "key", key)
		return nil
	}
	if !ok {
		deniedTotal.WithLabelValues(string(dir)).Inc()
		return exterrors.WithFields(Denied{Key: key, RetryAfter: retryAfter}, map[string]interface{}{
			"reason": "per-domain rate limit",
		})
	}
	return nil
}

// TakeConcurrency blocks until a global delivery slot is available or ctx
// is done. Each successful call must be paired with ReleaseConcurrency.
func (g *Group) TakeConcurrency(ctx context.Context) error {
	return g.global.TakeContext(ctx)
}

func (g *Group) ReleaseConcurrency() {
	g.global.Release()
}

// TakeDest blocks until a delivery slot for the remote domain is available
// or ctx is done.
func (g *Group) TakeDest(ctx context.Context, domain string) error {
	if g.dest == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.dest.TakeContext(ctx, domain)
}

func (g *Group) ReleaseDest(domain string) {
	if g.dest == nil {
		return
	}
	g.dest.Release(domain)
}

func (g *Group) Close() {
	g.global.Close()
}
