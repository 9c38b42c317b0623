// Package auth is the broker's username/password credential store,
// backed by a local sqlite3 database. CONNECT handling calls Authenticate
// when a client sets both the username and password flags.
package auth

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxmq/broker/internal/er"
)

const bcryptCost = bcrypt.DefaultCost

// Store is a sqlite3-backed credential table: one row per username,
// storing a bcrypt hash rather than the plaintext secret.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if absent) the sqlite3 database at path and
// ensures its users table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &er.Err{Context: "Auth, Open", Message: err}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`); err != nil {
		return nil, &er.Err{Context: "Auth, Open", Message: err}
	}
	return New(db), nil
}

// CreateUser hashes password and stores it under username, replacing any
// existing row.
func (s *Store) CreateUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return &er.Err{Context: "Auth, CreateUser", Message: er.ErrHashFailed}
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO users (username, secret) VALUES (?, ?)", username, string(hash))
	if err != nil {
		return &er.Err{Context: "Auth, CreateUser", Message: err}
	}
	return nil
}

// Authenticate reports an error unless username exists and password
// matches its stored hash.
func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}
