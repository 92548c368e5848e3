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
	"io"
	"os"
	"path/filepath"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/marid-mta/marid/framework/buffer"
)

// MsgStore appends message payloads as files under a per-mailbox directory.
// It implements local.Store.
type MsgStore struct {
	root string
}

func OpenMsgStore(root string) (*MsgStore, error) {
	if err := os.MkdirAll(root, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}
	return &MsgStore{root: root}, nil
}

// Append writes the message into the mailbox directory and returns the
// generated message ID. The file appears under its final name only after
// it is fully written and synced, a crash cannot leave a truncated message
// visible.
func (s *MsgStore) Append(_ context.Context, mailboxID string, header textproto.Header, body buffer.Buffer) (string, error) {
	dir := filepath.Join(s.root, mailboxID)
	if err := os.MkdirAll(dir, os.ModeDir|os.ModePerm); err != nil {
		return "", err
	}

	id := uuid.New().String()
	path := filepath.Join(dir, id+".eml")

	f, err := os.Create(path + ".new")
	if err != nil {
		return "", err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(path + ".new")
		}
	}()

	if err := textproto.WriteHeader(f, header); err != nil {
		return "", err
	}
	r, err := body.Open()
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, r)
	r.Close()
	if err != nil {
		return "", err
	}

	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(path + ".new")
		return "", err
	}
	f = nil

	if err := os.Rename(path+".new", path); err != nil {
		os.Remove(path + ".new")
		return "", err
	}
	return id, nil
}

// Open returns the stored message payload, for maintenance tooling.
func (s *MsgStore) Open(mailboxID, id string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, mailboxID, id+".eml"))
}
