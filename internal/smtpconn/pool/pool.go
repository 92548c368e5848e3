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

// Package pool implements a keyed cache of reusable connections.
//
// Connections are grouped into buckets by an opaque string key (the remote
// target uses the recipient domain). Each bucket holds a bounded number of
// idle connections. A background goroutine evicts buckets that have not been
// touched for longer than StaleKeyLifetimeSec.
package pool

import (
	"context"
	"sync"
	"time"
)

// Conn is the minimal interface a cached connection needs to provide.
//
// Usable is called before a connection is handed out again and may perform
// I/O (e.g. an SMTP RSET round-trip).
type Conn interface {
	Usable() bool
	LastUseAt() time.Time
	Close() error
}

type Config struct {
	// New is called on cache miss. If nil, Get returns (nil, nil) on miss
	// and the caller is expected to establish the connection itself.
	New                 func(ctx context.Context, key string) (Conn, error)
	MaxKeys             int
	MaxConnsPerKey      int
	MaxConnLifetimeSec  int64
	StaleKeyLifetimeSec int64
}

type bucket struct {
	conns   chan Conn
	lastUse int64 // unix seconds, protected by P.mu
}

// drainClose closes the bucket channel and disposes of all queued
// connections. async moves the possibly slow Close calls off the
// caller's goroutine.
func (b *bucket) drainClose(async bool) {
	close(b.conns)
	for conn := range b.conns {
		if async {
			go conn.Close()
		} else {
			conn.Close()
		}
	}
}

type P struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket

	stopJanitor chan struct{}
}

func New(cfg Config) *P {
	if cfg.New == nil {
		cfg.New = func(context.Context, string) (Conn, error) {
			return nil, nil
		}
	}

	p := &P{
		cfg:         cfg,
		buckets:     make(map[string]*bucket, cfg.MaxKeys),
		stopJanitor: make(chan struct{}),
	}
	go p.janitor()
	return p
}

func (p *P) janitor() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.CleanUp()
		case <-p.stopJanitor:
			return
		}
	}
}

// CleanUp evicts buckets that were not used for StaleKeyLifetimeSec.
func (p *P) CleanUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictStaleLocked()
}

func (p *P) expired(c Conn) bool {
	lifetime := time.Duration(p.cfg.MaxConnLifetimeSec) * time.Second
	return time.Since(c.LastUseAt()) > lifetime
}

// Get returns a cached connection for key or falls back to Config.New.
//
// Connections that outlived MaxConnLifetimeSec or fail the Usable check
// are discarded on the way.
func (p *P) Get(ctx context.Context, key string) (Conn, error) {
	p.mu.Lock()
	b, ok := p.buckets[key]
	if ok && time.Now().Unix()-b.lastUse > p.cfg.MaxConnLifetimeSec {
		delete(p.buckets, key)
		p.mu.Unlock()
		b.drainClose(false)
		return p.cfg.New(ctx, key)
	}
	p.mu.Unlock()
	if !ok {
		return p.cfg.New(ctx, key)
	}

	for {
		var conn Conn
		select {
		case conn, ok = <-b.conns:
			if !ok {
				// Evicted while we were not looking at it.
				return p.cfg.New(ctx, key)
			}
		default:
			return p.cfg.New(ctx, key)
		}

		if p.expired(conn) || !conn.Usable() {
			go conn.Close()
			continue
		}
		return conn, nil
	}
}

// Return puts the connection back into the cache. If the corresponding
// bucket is full, c is closed instead.
func (p *P) Return(key string, c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buckets == nil {
		// Pool is closed.
		go c.Close()
		return
	}

	b, ok := p.buckets[key]
	if !ok {
		if len(p.buckets) >= p.cfg.MaxKeys {
			p.evictStaleLocked()
		}
		b = &bucket{
			conns: make(chan Conn, p.cfg.MaxConnsPerKey),
		}
		p.buckets[key] = b
	}

	select {
	case b.conns <- c:
		b.lastUse = time.Now().Unix()
	default:
		go c.Close()
	}
}

// evictStaleLocked removes buckets unused for StaleKeyLifetimeSec.
// Caller holds p.mu.
func (p *P) evictStaleLocked() {
	now := time.Now().Unix()
	for key, b := range p.buckets {
		if b.lastUse+p.cfg.StaleKeyLifetimeSec > now {
			continue
		}
		delete(p.buckets, key)
		b.drainClose(false)
	}
}

// Close stops the janitor and closes all cached connections. The pool is
// unusable afterwards, Return calls on it close the connection right away.
func (p *P) Close() {
	p.stopJanitor <- struct{}{}

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, b := range p.buckets {
		delete(p.buckets, key)
		b.drainClose(false)
	}
	p.buckets = nil
}
