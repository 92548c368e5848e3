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

package testutils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/module"
)

// Sizes that roughly match a typical mid-size message.
const (
	BenchBodySize        = 100 * 1024
	BenchExtraFields     = 10
	BenchExtraFieldValue = 50
)

// BenchMsg builds a message of a realistic shape for delivery benchmarks: a
// plausible header with BenchExtraFields additional fields and a
// BenchBodySize body held in memory.
func BenchMsg(b *testing.B) (module.MsgMetadata, textproto.Header, buffer.Buffer) {
	idSum := sha1.Sum([]byte(b.Name()))

	hdr := textproto.Header{}
	hdr.Add("From", "Sender Name <sender@example.org>")
	hdr.Add("To", "Recipient Name <rcpt@example.com>")
	hdr.Add("Subject", "Benchmark payload")
	hdr.Add("Date", "Sat, 19 Jun 2021 12:00:00 +0900")
	hdr.Add("Message-Id", "<42@example.org>")
	hdr.Add("MIME-Version", "1.0")
	hdr.Add("Content-Type", "text/plain")
	for i := 0; i < BenchExtraFields; i++ {
		hdr.Add("X-Padding-"+strconv.Itoa(i), strings.Repeat("A", BenchExtraFieldValue))
	}

	return module.MsgMetadata{
		DontTraceSender: true,
		ID:              hex.EncodeToString(idSum[:]),
	}, hdr, buffer.MemoryBuffer{Slice: []byte(strings.Repeat("A", BenchBodySize))}
}

// BenchDelivery runs the full Start/AddRcpt/Body/Commit sequence against the
// target once per iteration. Each "X" in a recipient template is replaced
// with the template's index.
func BenchDelivery(b *testing.B, tgt module.DeliveryTarget, sender string, rcptTemplates []string) {
	meta, header, body := BenchMsg(b)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		delivery, err := tgt.Start(ctx, &meta, sender)
		if err != nil {
			b.Fatal(err)
		}

		for i, tmpl := range rcptTemplates {
			rcpt := strings.ReplaceAll(tmpl, "X", strconv.Itoa(i))
			if err := delivery.AddRcpt(ctx, rcpt); err != nil {
				b.Fatal(err)
			}
		}

		if err := delivery.Body(ctx, header, body); err != nil {
			b.Fatal(err)
		}
		if err := delivery.Commit(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
