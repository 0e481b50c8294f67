// Package sqlite persists chat accounts in a local SQLite database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicateLogin indicates an account with the same login already
// exists.
var ErrDuplicateLogin = errors.New("sqlite: account login already exists")

// Account is one stored chat identity. Background is the color the server
// knows; CustomBackground is a local override that wins when set.
type Account struct {
	ID               int64
	UserID           string
	Login            string
	Password         string
	Avatar           string
	Background       string
	CustomBackground string
	Active           bool
}

// EffectiveBackground returns the custom background when set, otherwise
// the server-side one.
func (a Account) EffectiveBackground() string {
	if a.CustomBackground != "" {
		return a.CustomBackground
	}
	return a.Background
}

// DB is the account store.
type DB struct {
	db *sql.DB
}

// New opens (and migrates) the account database under dataDir.
func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "accounts.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		login TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		avatar TEXT,
		background TEXT,
		custom_background TEXT,
		active INTEGER DEFAULT 0
	)`)
	return err
}

// Add inserts a new account. With setActive it also becomes the active
// one.
func (d *DB) Add(a Account, setActive bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if setActive {
		if _, err := tx.Exec(`UPDATE accounts SET active = 0`); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`INSERT INTO accounts
		(user_id, login, password, avatar, background, custom_background, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Login, a.Password, a.Avatar, a.Background, a.CustomBackground,
		boolToInt(setActive || a.Active))
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateLogin
		}
		return err
	}
	return tx.Commit()
}

// Remove deletes an account by login and reports whether it existed.
func (d *DB) Remove(login string) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM accounts WHERE login = ?`, login)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Accounts lists every stored account in insertion order.
func (d *DB) Accounts() ([]Account, error) {
	rows, err := d.db.Query(`SELECT id, user_id, login, password, avatar,
		background, custom_background, active FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ByLogin returns the account with the given login, or nil.
func (d *DB) ByLogin(login string) (*Account, error) {
	row := d.db.QueryRow(`SELECT id, user_id, login, password, avatar,
		background, custom_background, active FROM accounts WHERE login = ?`, login)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Active returns the active account, falling back to the first stored one.
// With no accounts at all it returns nil.
func (d *DB) Active() (*Account, error) {
	row := d.db.QueryRow(`SELECT id, user_id, login, password, avatar,
		background, custom_background, active FROM accounts WHERE active = 1 LIMIT 1`)
	a, err := scanAccount(row)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	accounts, err := d.Accounts()
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// Switch makes the named account the active one and reports whether it
// exists.
func (d *DB) Switch(login string) (bool, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE accounts SET active = 0`); err != nil {
		return false, err
	}
	res, err := tx.Exec(`UPDATE accounts SET active = 1 WHERE login = ?`, login)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// SetBackground updates the server-side background color for an account.
func (d *DB) SetBackground(login, background string) (bool, error) {
	return d.update(`UPDATE accounts SET background = ? WHERE login = ?`, background, login)
}

// SetCustomBackground sets (or clears, with "") the local background
// override for an account.
func (d *DB) SetCustomBackground(login, background string) (bool, error) {
	return d.update(`UPDATE accounts SET custom_background = ? WHERE login = ?`, background, login)
}

func (d *DB) update(query string, args ...any) (bool, error) {
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (Account, error) {
	var a Account
	var avatar, background, custom sql.NullString
	var active int
	err := s.Scan(&a.ID, &a.UserID, &a.Login, &a.Password, &avatar, &background, &custom, &active)
	if err != nil {
		return Account{}, err
	}
	a.Avatar = avatar.String
	a.Background = background.String
	a.CustomBackground = custom.String
	a.Active = active == 1
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
