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

package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/internal/target/local"
	"github.com/marid-mta/marid/internal/testutils"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "accounts.db"), testutils.Logger(t, "storage"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_ResolveAccount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddAccount(ctx, "user@example.org", "mb-user"))

	entry, err := db.Resolve(ctx, "user@example.org")
	require.NoError(t, err)
	require.Equal(t, local.Entry{Kind: local.KindMailbox, MailboxID: "mb-user"}, entry)
}

func TestDB_ResolveAlias(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddAlias(ctx, "postmaster@example.org", "user@example.org"))

	entry, err := db.Resolve(ctx, "postmaster@example.org")
	require.NoError(t, err)
	require.Equal(t, local.Entry{Kind: local.KindAlias, Alias: "user@example.org"}, entry)
}

func TestDB_ResolveList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddListMember(ctx, "all@example.org", "b@example.org"))
	require.NoError(t, db.AddListMember(ctx, "all@example.org", "a@example.org"))
	// Duplicate member should not produce a duplicate fan-out.
	require.NoError(t, db.AddListMember(ctx, "all@example.org", "a@example.org"))

	entry, err := db.Resolve(ctx, "all@example.org")
	require.NoError(t, err)
	require.Equal(t, local.KindList, entry.Kind)
	require.Equal(t, []string{"a@example.org", "b@example.org"}, entry.Members)
}

func TestDB_ResolveNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.Resolve(context.Background(), "nobody@example.org")
	require.True(t, errors.Is(err, local.ErrNotFound))
}

func TestDB_AccountOverride(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddAccount(ctx, "user@example.org", "mb-old"))
	require.NoError(t, db.AddAccount(ctx, "user@example.org", "mb-new"))

	entry, err := db.Resolve(ctx, "user@example.org")
	require.NoError(t, err)
	require.Equal(t, "mb-new", entry.MailboxID)
}

func TestMsgStore_AppendRoundtrip(t *testing.T) {
	store, err := OpenMsgStore(t.TempDir())
	require.NoError(t, err)

	hdr := textproto.Header{}
	hdr.Add("Subject", "Hi")
	hdr.Add("From", "<sender@example.com>")
	body := buffer.MemoryBuffer{Slice: []byte("message text\r\n")}

	id, err := store.Append(context.Background(), "mb-user", hdr, body)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, err := store.Open("mb-user", id)
	require.NoError(t, err)
	defer r.Close()

	blob, err := io.ReadAll(r)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(blob), "Subject: Hi"))
	require.True(t, strings.HasSuffix(string(blob), "message text\r\n"))
}

func TestMsgStore_BacksLocalTarget(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddAccount(ctx, "user@example.org", "mb-user"))

	store, err := OpenMsgStore(t.TempDir())
	require.NoError(t, err)

	tgt := local.New(db, store, testutils.Logger(t, "target.local"))
	testutils.DoTestDelivery(t, tgt, "sender@example.com", []string{"user@example.org"})
}
