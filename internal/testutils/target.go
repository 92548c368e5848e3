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
	"errors"
	"io"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/module"
)

// Msg is a message as recorded by the fake delivery target.
type Msg struct {
	MsgMeta  *module.MsgMetadata
	MailFrom string
	RcptTo   []string
	Body     []byte
	Header   textproto.Header
}

// Target is a fake delivery target that records every committed message and
// fails selected operations with the configured errors.
type Target struct {
	Messages        []Msg
	DiscardMessages bool

	StartErr       error
	RcptErr        map[string]error
	BodyErr        error
	PartialBodyErr map[string]error
	AbortErr       error
	CommitErr      error

	InstName string
}

func (dt Target) Name() string {
	return "test_target"
}

func (dt Target) InstanceName() string {
	if dt.InstName != "" {
		return dt.InstName
	}
	return "test_instance"
}

type testTargetDelivery struct {
	msg Msg
	tgt *Target
}

// testTargetDeliveryPartial additionally implements module.PartialDelivery.
type testTargetDeliveryPartial struct {
	testTargetDelivery
}

func (dt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	delivery := testTargetDelivery{
		tgt: dt,
		msg: Msg{MsgMeta: msgMeta, MailFrom: mailFrom},
	}
	if dt.PartialBodyErr != nil {
		return &testTargetDeliveryPartial{testTargetDelivery: delivery}, dt.StartErr
	}
	return &delivery, dt.StartErr
}

func (dtd *testTargetDelivery) AddRcpt(ctx context.Context, to string) error {
	if err := dtd.tgt.RcptErr[to]; err != nil {
		return err
	}

	dtd.msg.RcptTo = append(dtd.msg.RcptTo, to)
	return nil
}

func (dtd *testTargetDeliveryPartial) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, buf buffer.Buffer) {
	reportAll := func() {
		for rcpt, err := range dtd.tgt.PartialBodyErr {
			c.SetStatus(rcpt, err)
		}
	}
	if dtd.tgt.PartialBodyErr != nil {
		reportAll()
		return
	}

	dtd.msg.Header = header

	body, err := buf.Open()
	if err != nil {
		reportAll()
		return
	}
	defer body.Close()

	dtd.msg.Body, err = io.ReadAll(body)
	if err != nil {
		reportAll()
	}
}

func (dtd *testTargetDelivery) Body(ctx context.Context, header textproto.Header, buf buffer.Buffer) error {
	if dtd.tgt.PartialBodyErr != nil {
		return errors.New("partial failure occurred, no additional information available")
	}
	if dtd.tgt.BodyErr != nil {
		return dtd.tgt.BodyErr
	}

	dtd.msg.Header = header

	body, err := buf.Open()
	if err != nil {
		return err
	}
	defer body.Close()

	if dtd.tgt.DiscardMessages {
		_, err = io.Copy(io.Discard, body)
		return err
	}

	dtd.msg.Body, err = io.ReadAll(body)
	return err
}

func (dtd *testTargetDelivery) Abort(ctx context.Context) error {
	return dtd.tgt.AbortErr
}

func (dtd *testTargetDelivery) Commit(ctx context.Context) error {
	if dtd.tgt.CommitErr != nil {
		return dtd.tgt.CommitErr
	}
	if dtd.tgt.DiscardMessages {
		return nil
	}
	dtd.tgt.Messages = append(dtd.tgt.Messages, dtd.msg)
	return nil
}

// DeliveryData is the canonical on-wire form of the message every
// DoTestDelivery* helper submits.
const DeliveryData = "A: 1\r\n" +
	"B: 2\r\n" +
	"\r\n" +
	"foobar\r\n"

// deliveryID derives a message ID that is stable for the test but distinct
// across tests, so CheckMsg can verify metadata propagation.
func deliveryID(t *testing.T) string {
	sum := sha1.Sum([]byte(t.Name()))
	return hex.EncodeToString(sum[:])
}

func deliveryHeader() textproto.Header {
	hdr := textproto.Header{}
	hdr.Add("B", "2")
	hdr.Add("A", "1")
	return hdr
}

func deliveryBody() buffer.MemoryBuffer {
	return buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
}

func logAbort(t *testing.T, ctx context.Context, delivery module.Delivery) {
	t.Log("-- delivery.Abort")
	if err := delivery.Abort(ctx); err != nil {
		t.Log("-- ... delivery.Abort:", err, exterrors.Fields(err))
	}
}

func DoTestDelivery(t *testing.T, tgt module.DeliveryTarget, from string, to []string) string {
	t.Helper()
	return DoTestDeliveryMeta(t, tgt, from, to, &module.MsgMetadata{
		OriginalFrom: from,
	})
}

func DoTestDeliveryMeta(t *testing.T, tgt module.DeliveryTarget, from string, to []string, msgMeta *module.MsgMetadata) string {
	t.Helper()

	id, err := DoTestDeliveryErrMeta(t, tgt, from, to, msgMeta)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return id
}

func DoTestDeliveryErr(t *testing.T, tgt module.DeliveryTarget, from string, to []string) (string, error) {
	return DoTestDeliveryErrMeta(t, tgt, from, to, &module.MsgMetadata{})
}

func DoTestDeliveryErrMeta(t *testing.T, tgt module.DeliveryTarget, from string, to []string, msgMeta *module.MsgMetadata) (string, error) {
	t.Helper()

	ctx := context.Background()
	id := deliveryID(t)
	msgMeta.DontTraceSender = true
	msgMeta.ID = id

	t.Log("-- tgt.Start", from)
	delivery, err := tgt.Start(ctx, msgMeta, from)
	if err != nil {
		t.Log("-- ... tgt.Start", from, err, exterrors.Fields(err))
		return id, err
	}
	for _, rcpt := range to {
		t.Log("-- delivery.AddRcpt", rcpt)
		if err := delivery.AddRcpt(ctx, rcpt); err != nil {
			t.Log("-- ... delivery.AddRcpt", rcpt, err, exterrors.Fields(err))
			logAbort(t, ctx, delivery)
			return id, err
		}
	}
	t.Log("-- delivery.Body")
	if err := delivery.Body(ctx, deliveryHeader(), deliveryBody()); err != nil {
		t.Log("-- ... delivery.Body", err, exterrors.Fields(err))
		logAbort(t, ctx, delivery)
		return id, err
	}
	t.Log("-- delivery.Commit")
	if err := delivery.Commit(ctx); err != nil {
		t.Log("-- ... delivery.Commit", err, exterrors.Fields(err))
		return id, err
	}

	return id, nil
}

func DoTestDeliveryNonAtomic(t *testing.T, c module.StatusCollector, tgt module.DeliveryTarget, from string, to []string) string {
	t.Helper()

	ctx := context.Background()
	id := deliveryID(t)
	msgMeta := module.MsgMetadata{
		DontTraceSender: true,
		ID:              id,
		OriginalFrom:    from,
	}

	t.Log("-- tgt.Start", from)
	delivery, err := tgt.Start(ctx, &msgMeta, from)
	if err != nil {
		t.Log("-- ... tgt.Start", from, err, exterrors.Fields(err))
		t.Fatalf("Unexpected err: %v %+v", err, exterrors.Fields(err))
		return id
	}
	for _, rcpt := range to {
		t.Log("-- delivery.AddRcpt", rcpt)
		if err := delivery.AddRcpt(ctx, rcpt); err != nil {
			t.Log("-- ... delivery.AddRcpt", rcpt, err, exterrors.Fields(err))
			logAbort(t, ctx, delivery)
			t.Fatalf("Unexpected err: %v %+v", err, exterrors.Fields(err))
			return id
		}
	}
	t.Log("-- delivery.BodyNonAtomic")
	delivery.(module.PartialDelivery).BodyNonAtomic(ctx, c, deliveryHeader(), deliveryBody())
	t.Log("-- delivery.Commit")
	if err := delivery.Commit(ctx); err != nil {
		t.Fatalf("Unexpected err: %v %+v", err, exterrors.Fields(err))
	}

	return id
}

func CheckTestMessage(t *testing.T, tgt *Target, indx int, sender string, rcpt []string) {
	t.Helper()

	if len(tgt.Messages) <= indx {
		t.Errorf("wrong amount of messages received, want at least %d, got %d", indx+1, len(tgt.Messages))
		return
	}
	msg := tgt.Messages[indx]

	CheckMsg(t, &msg, sender, rcpt)
}

func CheckMsg(t *testing.T, msg *Msg, sender string, rcpt []string) {
	t.Helper()
	CheckMsgID(t, msg, sender, rcpt, deliveryID(t))
}

func CheckMsgID(t *testing.T, msg *Msg, sender string, rcpt []string, id string) string {
	t.Helper()

	if msg.MsgMeta.ID != id && id != "" {
		t.Errorf("empty or wrong delivery context for passed message? %+v", msg.MsgMeta)
	}
	if msg.MailFrom != sender {
		t.Errorf("wrong sender, want %s, got %s", sender, msg.MailFrom)
	}

	sort.Strings(rcpt)
	sort.Strings(msg.RcptTo)
	if !reflect.DeepEqual(msg.RcptTo, rcpt) {
		t.Errorf("wrong recipients, want %v, got %v", rcpt, msg.RcptTo)
	}
	if string(msg.Body) != "foobar\r\n" {
		t.Errorf("wrong body, want '%s', got '%s' (%v)", "foobar\r\n", string(msg.Body), msg.Body)
	}

	return msg.MsgMeta.ID
}
