// Package users is the local user store, backing SMTP authentication and
// the recipient-locality check.
package users

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"
	"golang.org/x/crypto/bcrypt"

	"github.com/imyousuf/james-sub012/smtp"
)

var (
	ErrUnknown     = errors.New("users: no such user")
	ErrCredentials = errors.New("users: bad credentials")
)

// User is a local account that can authenticate and receive mail.
type User struct {
	ID           int64
	Name         string    `bstore:"nonzero,unique"` // Full address, lower-cased, e.g. alice@example.com.
	PasswordHash string    `bstore:"nonzero"`        // bcrypt.
	Created      time.Time `bstore:"nonzero"`
}

// DB is an open user database.
type DB struct {
	DB *bstore.DB
}

// Open opens the user database at path, creating it when missing.
func Open(path string) (*DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, User{})
	if err != nil {
		return nil, fmt.Errorf("open users database: %v", err)
	}
	return &DB{DB: db}, nil
}

func (d *DB) Close() error {
	return d.DB.Close()
}

func canonical(addr smtp.Address) string {
	return strings.ToLower(string(addr.Localpart)) + "@" + addr.Domain.ASCII
}

// Add creates or replaces a user with the given password.
func (d *DB) Add(ctx context.Context, addr smtp.Address, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("users: password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("users: hashing password: %v", err)
	}
	name := canonical(addr)
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		u, err := bstore.QueryTx[User](tx).FilterNonzero(User{Name: name}).Get()
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		if err == nil {
			u.PasswordHash = string(hash)
			return tx.Update(&u)
		}
		return tx.Insert(&User{Name: name, PasswordHash: string(hash), Created: time.Now()})
	})
}

// Remove deletes a user.
func (d *DB) Remove(ctx context.Context, addr smtp.Address) error {
	n, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Name: canonical(addr)}).Delete()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknown
	}
	return nil
}

// Exists returns whether addr is a known local user.
func (d *DB) Exists(ctx context.Context, addr smtp.Address) (bool, error) {
	exists, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Name: canonical(addr)}).Exists()
	if err != nil {
		return false, fmt.Errorf("users: lookup: %v", err)
	}
	return exists, nil
}

// Hash of "dummy", compared against for unknown users so the timing of a
// failed login does not reveal whether the account exists.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Verify checks a name/password pair as submitted during authentication.
// The name must be a full address. Returns ErrUnknown or ErrCredentials on
// failure.
func (d *DB) Verify(ctx context.Context, name, password string) (*User, error) {
	addr, err := smtp.ParseAddress(name)
	if err != nil {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrUnknown
	}
	u, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Name: canonical(addr)}).Get()
	if err == bstore.ErrAbsent {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("users: lookup: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrCredentials
	}
	return &u, nil
}

// List returns all users.
func (d *DB) List(ctx context.Context) ([]User, error) {
	return bstore.QueryDB[User](ctx, d.DB).SortAsc("Name").List()
}
