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

package pool

import (
	"context"
	"testing"
	"time"
)

type fakeConn struct {
	usable  bool
	lastUse time.Time
	closed  bool
}

func (c *fakeConn) Usable() bool         { return c.usable }
func (c *fakeConn) LastUseAt() time.Time { return c.lastUse }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testPool() *P {
	return New(Config{
		MaxKeys:             10,
		MaxConnsPerKey:      2,
		MaxConnLifetimeSec:  60,
		StaleKeyLifetimeSec: 60,
	})
}

func TestPool_ReturnGet(t *testing.T) {
	p := testPool()
	defer p.Close()

	c := &fakeConn{usable: true, lastUse: time.Now()}
	p.Return("example.org", c)

	got, err := p.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != Conn(c) {
		t.Fatalf("Get returned %v, wanted the cached connection", got)
	}
}

func TestPool_GetMiss(t *testing.T) {
	p := testPool()
	defer p.Close()

	got, err := p.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("Get returned %v for an empty pool", got)
	}
}

func TestPool_SkipsUnusable(t *testing.T) {
	p := testPool()
	defer p.Close()

	dead := &fakeConn{usable: false, lastUse: time.Now()}
	live := &fakeConn{usable: true, lastUse: time.Now()}
	p.Return("example.org", dead)
	p.Return("example.org", live)

	got, err := p.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != Conn(live) {
		t.Fatalf("Get returned %v, wanted the usable connection", got)
	}
}

func TestPool_SkipsExpired(t *testing.T) {
	p := testPool()
	defer p.Close()

	old := &fakeConn{usable: true, lastUse: time.Now().Add(-2 * time.Hour)}
	p.Return("example.org", old)

	got, err := p.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("Get returned the connection that outlived its lifetime")
	}
}

func TestPool_FullBucketClosesConn(t *testing.T) {
	p := testPool()
	defer p.Close()

	for i := 0; i < 2; i++ {
		p.Return("example.org", &fakeConn{usable: true, lastUse: time.Now()})
	}
	extra := &fakeConn{usable: true, lastUse: time.Now()}
	p.Return("example.org", extra)

	// Close runs in a separate goroutine.
	deadline := time.Now().Add(5 * time.Second)
	for !extra.closed {
		if time.Now().After(deadline) {
			t.Fatal("connection over the per-key limit was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPool_CloseDrains(t *testing.T) {
	p := testPool()

	c := &fakeConn{usable: true, lastUse: time.Now()}
	p.Return("example.org", c)
	p.Close()

	if !c.closed {
		t.Fatal("cached connection was not closed on pool shutdown")
	}

	late := &fakeConn{usable: true, lastUse: time.Now()}
	p.Return("example.org", late)
	deadline := time.Now().Add(5 * time.Second)
	for !late.closed {
		if time.Now().After(deadline) {
			t.Fatal("connection returned to a closed pool was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
