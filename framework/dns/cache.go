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

package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marid_dns_cache_hits_total",
		Help: "Amount of trust resolver lookups served from the cache",
	}, []string{"qtype"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marid_dns_cache_misses_total",
		Help: "Amount of trust resolver lookups that went to the network",
	}, []string{"qtype"})
)

type cacheEntry struct {
	ad      bool
	txt     []string
	tlsa    []TLSA
	err     error
	expires time.Time
}

// Cache is a TTL-respecting cache for TXT and TLSA lookups done via
// ExtResolver. Negative results (NXDOMAIN) are cached too, using
// NegativeTTL.
//
// Entries are replaced whole on refresh, a reader never observes a
// partially updated RRset. Concurrent misses for the same key are collapsed
// into a single query.
//
// Cache also implements Resolver. Methods other than LookupTXT are passed
// through to the underlying resolver uncached.
type Cache struct {
	ext   *ExtResolver
	inner Resolver

	// TTL clamping bounds applied to received RRset TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration
	// TTL used for cached NXDOMAIN answers and for RRsets that carry no
	// usable TTL.
	NegativeTTL time.Duration
	// Once the amount of cached entries exceeds this value, expired entries
	// are collected on insert. It does not bound the cache size strictly.
	MaxEntries int

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry

	stopSweep chan struct{}
}

func NewCache(ext *ExtResolver, inner Resolver) *Cache {
	c := &Cache{
		ext:         ext,
		inner:       inner,
		MinTTL:      30 * time.Second,
		MaxTTL:      3 * time.Hour,
		NegativeTTL: 30 * time.Second,
		MaxEntries:  4096,
		entries:     map[string]cacheEntry{},
		stopSweep:   make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *Cache) Close() error {
	close(c.stopSweep)
	return nil
}

func (c *Cache) sweep() {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for k, ent := range c.entries {
				if now.After(ent.expires) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl < c.MinTTL {
		return c.MinTTL
	}
	if ttl > c.MaxTTL {
		return c.MaxTTL
	}
	return ttl
}

// minTTL returns the smallest TTL of the answer RRset, NegativeTTL if the
// answer is empty.
func (c *Cache) minTTL(resp *dns.Msg) time.Duration {
	if resp == nil || len(resp.Answer) == 0 {
		return c.NegativeTTL
	}
	min := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	return c.clampTTL(time.Duration(min) * time.Second)
}

func (c *Cache) lookup(ctx context.Context, key, qtype string, miss func(context.Context) (cacheEntry, time.Duration, error)) (cacheEntry, error) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(ent.expires) {
		cacheHits.WithLabelValues(qtype).Inc()
		return ent, ent.err
	}

	cacheMisses.WithLabelValues(qtype).Inc()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Somebody else might have completed the query while we were
		// waiting on the flight group.
		c.mu.RLock()
		ent, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && time.Now().Before(ent.expires) {
			return ent, nil
		}

		ent, ttl, err := miss(ctx)
		if err != nil {
			if !IsNotFound(err) {
				// I/O errors and SERVFAILs are not cached.
				return cacheEntry{}, err
			}
			ent.err = err
			ttl = c.NegativeTTL
		}
		ent.expires = time.Now().Add(ttl)

		c.mu.Lock()
		if len(c.entries) >= c.MaxEntries {
			now := time.Now()
			for k, old := range c.entries {
				if now.After(old.expires) {
					delete(c.entries, k)
				}
			}
		}
		c.entries[key] = ent
		c.mu.Unlock()
		return ent, nil
	})
	if err != nil {
		return cacheEntry{}, err
	}
	ent = v.(cacheEntry)
	return ent, ent.err
}

// ErrNoDNSSEC is returned by authenticated lookups that cannot be served
// without an ExtResolver.
var ErrNoDNSSEC = errors.New("dns: DNSSEC-capable resolver is not available")

// AuthLookupTXT looks up TXT records for name, caching the RRset for its
// TTL. The ad return reports whether the records were DNSSEC-authenticated.
//
// If the cache was created without an ExtResolver, the query is done using
// the fallback resolver and ad is always false.
func (c *Cache) AuthLookupTXT(ctx context.Context, name string) (ad bool, recs []string, err error) {
	ent, err := c.lookup(ctx, "txt:"+dns.Fqdn(name), "TXT", func(ctx context.Context) (cacheEntry, time.Duration, error) {
		if c.ext == nil {
			recs, err := c.inner.LookupTXT(ctx, name)
			if err != nil {
				return cacheEntry{}, 0, err
			}
			// net.Resolver does not expose RRset TTLs.
			return cacheEntry{txt: recs}, c.NegativeTTL, nil
		}

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
		msg.SetEdns0(4096, false)
		msg.AuthenticatedData = true

		resp, err := c.ext.exchange(ctx, msg)
		if err != nil {
			return cacheEntry{}, 0, err
		}

		ent := cacheEntry{ad: resp.AuthenticatedData}
		for _, rr := range resp.Answer {
			txtRR, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			ent.txt = append(ent.txt, strings.Join(txtRR.Txt, ""))
		}
		return ent, c.minTTL(resp), nil
	})
	return ent.ad, ent.txt, err
}

// AuthLookupTLSA looks up the TLSA RRset for the (service, network, domain)
// triple, caching it for its TTL.
func (c *Cache) AuthLookupTLSA(ctx context.Context, service, network, domain string) (ad bool, recs []TLSA, err error) {
	if c.ext == nil {
		return false, nil, ErrNoDNSSEC
	}

	name, err := dns.TLSAName(dns.Fqdn(domain), service, network)
	if err != nil {
		return false, nil, err
	}

	ent, err := c.lookup(ctx, "tlsa:"+name, "TLSA", func(ctx context.Context) (cacheEntry, time.Duration, error) {
		msg := new(dns.Msg)
		msg.SetQuestion(name, dns.TypeTLSA)
		msg.SetEdns0(4096, false)
		msg.AuthenticatedData = true

		resp, err := c.ext.exchange(ctx, msg)
		if err != nil {
			return cacheEntry{}, 0, err
		}

		ent := cacheEntry{ad: resp.AuthenticatedData}
		for _, rr := range resp.Answer {
			tlsaRR, ok := rr.(*dns.TLSA)
			if !ok {
				continue
			}
			ent.tlsa = append(ent.tlsa, *tlsaRR)
		}
		return ent, c.minTTL(resp), nil
	})
	return ent.ad, ent.tlsa, err
}

func (c *Cache) LookupTXT(ctx context.Context, name string) ([]string, error) {
	_, recs, err := c.AuthLookupTXT(ctx, name)
	if err != nil {
		if rcodeErr, ok := err.(RCodeError); ok && rcodeErr.Code == dns.RcodeNameError {
			// Callers relying on the net.Resolver interface expect
			// *net.DNSError for NXDOMAIN.
			return nil, &net.DNSError{
				Err:        "no such host",
				Name:       name,
				IsNotFound: true,
			}
		}
		return nil, err
	}
	return recs, nil
}

func (c *Cache) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return c.inner.LookupAddr(ctx, addr)
}

func (c *Cache) LookupHost(ctx context.Context, host string) ([]string, error) {
	return c.inner.LookupHost(ctx, host)
}

func (c *Cache) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return c.inner.LookupMX(ctx, name)
}

func (c *Cache) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return c.inner.LookupIPAddr(ctx, host)
}
