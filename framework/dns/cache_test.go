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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/miekg/dns"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(nil, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheClampTTL(t *testing.T) {
	c := testCache(t)
	c.MinTTL = 30 * time.Second
	c.MaxTTL = 1 * time.Hour

	for _, tc := range []struct {
		in, out time.Duration
	}{
		{0, 30 * time.Second},
		{5 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{10 * time.Minute, 10 * time.Minute},
		{24 * time.Hour, 1 * time.Hour},
	} {
		if got := c.clampTTL(tc.in); got != tc.out {
			t.Errorf("clampTTL(%v): got %v, want %v", tc.in, got, tc.out)
		}
	}
}

func TestCacheMinTTL(t *testing.T) {
	c := testCache(t)
	c.MinTTL = 1 * time.Second
	c.NegativeTTL = 45 * time.Second

	if got := c.minTTL(nil); got != 45*time.Second {
		t.Errorf("minTTL(nil): got %v, want NegativeTTL", got)
	}
	if got := c.minTTL(new(dns.Msg)); got != 45*time.Second {
		t.Errorf("minTTL(empty): got %v, want NegativeTTL", got)
	}

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{
		&dns.TXT{Hdr: dns.RR_Header{Ttl: 300}, Txt: []string{"a"}},
		&dns.TXT{Hdr: dns.RR_Header{Ttl: 60}, Txt: []string{"b"}},
		&dns.TXT{Hdr: dns.RR_Header{Ttl: 600}, Txt: []string{"c"}},
	}
	if got := c.minTTL(resp); got != 60*time.Second {
		t.Errorf("minTTL: got %v, want 60s (smallest RR TTL)", got)
	}
}

func TestCachePositiveHit(t *testing.T) {
	c := testCache(t)

	var misses int32
	miss := func(ctx context.Context) (cacheEntry, time.Duration, error) {
		atomic.AddInt32(&misses, 1)
		return cacheEntry{txt: []string{"v=spf1 -all"}}, 1 * time.Hour, nil
	}

	for i := 0; i < 3; i++ {
		ent, err := c.lookup(context.Background(), "txt:example.org.", "TXT", miss)
		if err != nil {
			t.Fatal(err)
		}
		if len(ent.txt) != 1 || ent.txt[0] != "v=spf1 -all" {
			t.Fatalf("unexpected records: %v", ent.txt)
		}
	}
	if n := atomic.LoadInt32(&misses); n != 1 {
		t.Errorf("backend queried %d times, want 1", n)
	}
}

func TestCacheNegativeCached(t *testing.T) {
	c := testCache(t)
	c.NegativeTTL = 50 * time.Millisecond

	var misses int32
	nxdomain := RCodeError{Name: "missing.example.org.", Code: dns.RcodeNameError}
	miss := func(ctx context.Context) (cacheEntry, time.Duration, error) {
		atomic.AddInt32(&misses, 1)
		return cacheEntry{}, 0, nxdomain
	}

	for i := 0; i < 2; i++ {
		_, err := c.lookup(context.Background(), "txt:missing.example.org.", "TXT", miss)
		if !errors.Is(err, nxdomain) {
			t.Fatalf("got %v, want NXDOMAIN", err)
		}
	}
	if n := atomic.LoadInt32(&misses); n != 1 {
		t.Errorf("NXDOMAIN not cached, backend queried %d times", n)
	}

	time.Sleep(70 * time.Millisecond)
	if _, err := c.lookup(context.Background(), "txt:missing.example.org.", "TXT", miss); !errors.Is(err, nxdomain) {
		t.Fatalf("got %v, want NXDOMAIN", err)
	}
	if n := atomic.LoadInt32(&misses); n != 2 {
		t.Errorf("expired negative entry not refreshed, %d backend queries", n)
	}
}

func TestCacheErrorNotCached(t *testing.T) {
	c := testCache(t)

	var misses int32
	servfail := RCodeError{Name: "flaky.example.org.", Code: dns.RcodeServerFailure}
	miss := func(ctx context.Context) (cacheEntry, time.Duration, error) {
		atomic.AddInt32(&misses, 1)
		return cacheEntry{}, 0, servfail
	}

	for i := 0; i < 2; i++ {
		_, err := c.lookup(context.Background(), "txt:flaky.example.org.", "TXT", miss)
		if !errors.Is(err, servfail) {
			t.Fatalf("got %v, want SERVFAIL", err)
		}
	}
	if n := atomic.LoadInt32(&misses); n != 2 {
		t.Errorf("SERVFAIL was cached, %d backend queries, want 2", n)
	}
}

func TestCacheSingleflight(t *testing.T) {
	c := testCache(t)

	var misses int32
	release := make(chan struct{})
	miss := func(ctx context.Context) (cacheEntry, time.Duration, error) {
		atomic.AddInt32(&misses, 1)
		<-release
		return cacheEntry{txt: []string{"hello"}}, 1 * time.Hour, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ent, err := c.lookup(context.Background(), "txt:example.org.", "TXT", miss)
			if err != nil {
				t.Error(err)
				return
			}
			if len(ent.txt) != 1 {
				t.Errorf("unexpected records: %v", ent.txt)
			}
		}()
	}
	// Give the goroutines a moment to pile up on the flight group.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&misses); n != 1 {
		t.Errorf("concurrent misses not collapsed, %d backend queries", n)
	}
}

func TestCacheEvictsExpired(t *testing.T) {
	c := testCache(t)
	c.MaxEntries = 3

	c.mu.Lock()
	expired := time.Now().Add(-1 * time.Minute)
	c.entries["txt:a.example."] = cacheEntry{expires: expired}
	c.entries["txt:b.example."] = cacheEntry{expires: expired}
	c.entries["txt:c.example."] = cacheEntry{expires: time.Now().Add(1 * time.Hour)}
	c.mu.Unlock()

	_, err := c.lookup(context.Background(), "txt:d.example.", "TXT",
		func(ctx context.Context) (cacheEntry, time.Duration, error) {
			return cacheEntry{txt: []string{"d"}}, 1 * time.Hour, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) != 2 {
		t.Errorf("%d entries left, want 2 (expired ones collected)", len(c.entries))
	}
	if _, ok := c.entries["txt:c.example."]; !ok {
		t.Error("live entry was evicted")
	}
	if _, ok := c.entries["txt:d.example."]; !ok {
		t.Error("new entry was not inserted")
	}
}

func TestCacheFallbackWithoutExtResolver(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.org.": {
			TXT: []string{"v=spf1 mx -all"},
		},
	}
	dnsSrv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dnsSrv.Close()

	res := new(net.Resolver)
	dnsSrv.PatchNet(res)

	c := NewCache(nil, res)
	defer c.Close()

	recs, err := c.LookupTXT(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != "v=spf1 mx -all" {
		t.Fatalf("unexpected records: %v", recs)
	}

	ad, _, err := c.AuthLookupTXT(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if ad {
		t.Error("fallback resolver results cannot be authenticated")
	}

	if _, _, err := c.AuthLookupTLSA(context.Background(), "25", "tcp", "mx.example.org"); !errors.Is(err, ErrNoDNSSEC) {
		t.Errorf("AuthLookupTLSA: got %v, want ErrNoDNSSEC", err)
	}
}

func TestCacheAuthLookupTXT(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.org.": {
			TXT: []string{"v=spf1 mx -all"},
		},
	}
	dnsSrv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dnsSrv.Close()
	addr := dnsSrv.LocalAddr().(*net.UDPAddr)

	extResolver, err := NewExtResolver()
	if err != nil {
		t.Fatal(err)
	}
	extResolver.Cfg.Servers = []string{addr.IP.String()}
	extResolver.Cfg.Port = strconv.Itoa(addr.Port)

	c := NewCache(extResolver, nil)
	defer c.Close()

	_, recs, err := c.AuthLookupTXT(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != "v=spf1 mx -all" {
		t.Fatalf("unexpected records: %v", recs)
	}

	// The answer should now be served from the cache even with the
	// server gone.
	dnsSrv.Close()
	_, recs, err = c.AuthLookupTXT(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != "v=spf1 mx -all" {
		t.Fatalf("unexpected records from cache: %v", recs)
	}
}
