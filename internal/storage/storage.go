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

// Package storage implements the account database and the on-disk message
// store backing local delivery.
//
// The address book (accounts, aliases, distribution lists) lives in a
// SQLite database, message payloads are plain files under a per-mailbox
// directory. Both are deliberately simple: the engine is not an IMAP
// server, it only needs to resolve recipients and durably append messages.
package storage

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/internal/target/local"
)

// DB is the SQLite-backed address book. It implements local.AddressBook.
type DB struct {
	db  *sql.DB
	log log.Logger
}

func Open(path string, logger log.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, exterrors.WithFields(err, map[string]interface{}{"accounts_db": path})
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY NOT NULL,
			mailbox_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			address TEXT PRIMARY KEY NOT NULL,
			target TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS list_members (
			address TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (address, member)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, exterrors.WithFields(err, map[string]interface{}{"accounts_db": path})
		}
	}

	return &DB{db: db, log: logger}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Resolve implements local.AddressBook. The address is expected to be
// normalized by the caller (local target does it).
func (d *DB) Resolve(ctx context.Context, addr string) (local.Entry, error) {
	var mboxID string
	err := d.db.QueryRowContext(ctx,
		`SELECT mailbox_id FROM accounts WHERE address = ?`, addr).Scan(&mboxID)
	if err == nil {
		return local.Entry{Kind: local.KindMailbox, MailboxID: mboxID}, nil
	}
	if err != sql.ErrNoRows {
		return local.Entry{}, err
	}

	var aliasTarget string
	err = d.db.QueryRowContext(ctx,
		`SELECT target FROM aliases WHERE address = ?`, addr).Scan(&aliasTarget)
	if err == nil {
		return local.Entry{Kind: local.KindAlias, Alias: aliasTarget}, nil
	}
	if err != sql.ErrNoRows {
		return local.Entry{}, err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT member FROM list_members WHERE address = ? ORDER BY member`, addr)
	if err != nil {
		return local.Entry{}, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return local.Entry{}, err
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return local.Entry{}, err
	}
	if len(members) == 0 {
		return local.Entry{}, local.ErrNotFound
	}
	return local.Entry{Kind: local.KindList, Members: members}, nil
}

// AddAccount creates or replaces the mailbox mapping for the address.
func (d *DB) AddAccount(ctx context.Context, addr, mailboxID string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO accounts (address, mailbox_id) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET mailbox_id = excluded.mailbox_id`, addr, mailboxID)
	return err
}

// AddAlias creates or replaces an alias. Loops are not checked here, the
// local target detects them during resolution.
func (d *DB) AddAlias(ctx context.Context, addr, targetAddr string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO aliases (address, target) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET target = excluded.target`, addr, targetAddr)
	return err
}

// AddListMember adds one member to the distribution list, creating the list
// if it did not exist.
func (d *DB) AddListMember(ctx context.Context, addr, member string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO list_members (address, member) VALUES (?, ?)
		ON CONFLICT(address, member) DO NOTHING`, addr, member)
	return err
}
