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

package local

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/internal/quota"
	"github.com/marid-mta/marid/internal/testutils"
	"github.com/stretchr/testify/require"
)

type fakeAddressBook map[string]Entry

func (ab fakeAddressBook) Resolve(_ context.Context, addr string) (Entry, error) {
	entry, ok := ab[addr]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

type fakeStore struct {
	appended  map[string]int
	appendErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{appended: map[string]int{}, appendErr: map[string]error{}}
}

func (fs *fakeStore) Append(_ context.Context, mailboxID string, _ textproto.Header, _ buffer.Buffer) (string, error) {
	if err := fs.appendErr[mailboxID]; err != nil {
		return "", err
	}
	fs.appended[mailboxID]++
	return "msg1", nil
}

func testTarget(t *testing.T, ab fakeAddressBook, store *fakeStore) *Target {
	tgt := New(ab, store, testutils.Logger(t, "target.local"))
	return tgt
}

func TestLocal_DirectMailbox(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{
		"foxcpp@example.org": {Kind: KindMailbox, MailboxID: "mb-foxcpp"},
	}, store)

	testutils.DoTestDelivery(t, tgt, "sender@example.com", []string{"foxcpp@example.org"})

	if store.appended["mb-foxcpp"] != 1 {
		t.Errorf("mb-foxcpp appends = %d, want 1", store.appended["mb-foxcpp"])
	}
}

func TestLocal_AliasChain(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{
		"info@example.org":    {Kind: KindAlias, Alias: "support@example.org"},
		"support@example.org": {Kind: KindAlias, Alias: "staff@example.org"},
		"staff@example.org":   {Kind: KindMailbox, MailboxID: "mb-staff"},
	}, store)

	testutils.DoTestDelivery(t, tgt, "sender@example.com", []string{"info@example.org"})

	if store.appended["mb-staff"] != 1 {
		t.Errorf("mb-staff appends = %d, want 1", store.appended["mb-staff"])
	}
}

func TestLocal_AliasLoop(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{
		"a@example.org": {Kind: KindAlias, Alias: "b@example.org"},
		"b@example.org": {Kind: KindAlias, Alias: "a@example.org"},
	}, store)

	_, err := testutils.DoTestDeliveryErr(t, tgt, "sender@example.com", []string{"a@example.org"})
	testutils.CheckSMTPErr(t, err, 554, exterrors.EnhancedCode{5, 4, 6}, "Alias loop detected")

	if len(store.appended) != 0 {
		t.Errorf("message was appended despite the loop: %v", store.appended)
	}
}

func TestLocal_ListFanOut(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{
		"all@example.org": {Kind: KindList, Members: []string{
			"one@example.org", "two@example.org", "shared@example.org",
		}},
		"one@example.org":    {Kind: KindMailbox, MailboxID: "mb-one"},
		"two@example.org":    {Kind: KindAlias, Alias: "shared@example.org"},
		"shared@example.org": {Kind: KindMailbox, MailboxID: "mb-shared"},
	}, store)

	testutils.DoTestDelivery(t, tgt, "sender@example.com", []string{"all@example.org"})

	var got []string
	for id := range store.appended {
		got = append(got, id)
	}
	sort.Strings(got)

	// The shared mailbox is reachable both via the alias and directly, it
	// must still get a single copy.
	want := []string{"mb-one", "mb-shared"}
	require.Equal(t, want, got)
	for _, id := range want {
		if store.appended[id] != 1 {
			t.Errorf("%s appends = %d, want 1", id, store.appended[id])
		}
	}
}

func TestLocal_UnknownRcpt(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{}, store)

	_, err := testutils.DoTestDeliveryErr(t, tgt, "sender@example.com", []string{"nobody@example.org"})
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 1, 1}, "No such mailbox")
}

func testLedger(t *testing.T) *quota.Ledger {
	t.Helper()
	l, err := quota.Open(filepath.Join(t.TempDir(), "quota.db"), testutils.Logger(t, "quota"), quota.LedgerOpts{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocal_OverQuota(t *testing.T) {
	store := newFakeStore()
	tgt := testTarget(t, fakeAddressBook{
		"full@example.org": {Kind: KindMailbox, MailboxID: "mb-full"},
	}, store)
	tgt.Quota = testLedger(t)

	// Less than the test message size ("foobar\r\n").
	require.NoError(t, tgt.Quota.SetLimit(context.Background(), "mb-full", 4))

	_, err := testutils.DoTestDeliveryErr(t, tgt, "sender@example.com", []string{"full@example.org"})
	testutils.CheckSMTPErr(t, err, 552, exterrors.EnhancedCode{5, 2, 2}, "Mailbox is over storage quota")

	if len(store.appended) != 0 {
		t.Errorf("message was appended despite quota: %v", store.appended)
	}
}

func TestLocal_QuotaRollbackOnAppendFailure(t *testing.T) {
	store := newFakeStore()
	store.appendErr["mb-flaky"] = errors.New("disk on fire")

	tgt := testTarget(t, fakeAddressBook{
		"flaky@example.org": {Kind: KindMailbox, MailboxID: "mb-flaky"},
	}, store)
	tgt.Quota = testLedger(t)
	require.NoError(t, tgt.Quota.SetLimit(context.Background(), "mb-flaky", 1024))

	_, err := testutils.DoTestDeliveryErr(t, tgt, "sender@example.com", []string{"flaky@example.org"})
	if err == nil {
		t.Fatal("delivery succeeded with a failing store")
	}

	used, _, err := tgt.Quota.Usage(context.Background(), "mb-flaky")
	require.NoError(t, err)
	if used != 0 {
		t.Errorf("used = %d after rollback, want 0", used)
	}
}
