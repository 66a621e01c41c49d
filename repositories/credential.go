package repositories

import (
	"agency-crm/contract"
	"agency-crm/errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

type ICredentialRepository interface {
	CreateCredential(email, hashedPassword string) (string, error)
	GetCredentialByEmail(email string) (Credential, error)
	DeleteCredential(email string) error
	Revoke(tokenID string, until time.Time) error
	IsRevoked(tokenID string) (bool, error)
	SaveLocalToken(token string) error
	LocalToken() (string, error)
	ClearLocalToken() error
}

// Credential is the authentication half of a user. The profile lives in
// the profiles table under the same ID.
type Credential struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type CredentialRepository struct {
	db *badger.DB
}

func NewCredentialRepository(db *badger.DB) CredentialRepository {
	return CredentialRepository{db: db}
}

const localTokenKey = "local:session"

func credentialKey(email string) []byte {
	return []byte("cred:" + strings.ToLower(strings.TrimSpace(email)))
}

func revokedKey(tokenID string) []byte {
	return []byte("revoked:" + tokenID)
}

// CreateCredential persists a credential and returns the new user ID.
func (c CredentialRepository) CreateCredential(email, hashedPassword string) (string, error) {
	newID := uuid.NewString()
	data, err := encodeRecord(contract.Record{
		"id":            newID,
		"email":         strings.ToLower(strings.TrimSpace(email)),
		"password_hash": hashedPassword,
		"created_at":    time.Now().UTC().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal failed: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		key := credentialKey(email)
		if _, err := txn.Get(key); err == nil {
			return errors.ErrUserAlreadyExists
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

func (c CredentialRepository) GetCredentialByEmail(email string) (Credential, error) {
	var record contract.Record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialKey(email))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record, err = DecodeRecord(val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return Credential{}, errors.ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	return toCredential(record), nil
}

func (c CredentialRepository) DeleteCredential(email string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credentialKey(email))
	})
}

// Revoke denies a token ID until its own expiry. Badger drops the entry
// once the TTL is over since an expired token fails validation anyway.
func (c CredentialRepository) Revoke(tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(revokedKey(tokenID), []byte{1}).WithTTL(ttl))
	})
}

func (c CredentialRepository) IsRevoked(tokenID string) (bool, error) {
	revoked := false
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(revokedKey(tokenID))
		switch err {
		case nil:
			revoked = true
			return nil
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
	return revoked, err
}

// SaveLocalToken persists the token the current process is signed in with.
func (c CredentialRepository) SaveLocalToken(token string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(localTokenKey), []byte(token))
	})
}

// LocalToken returns "" when nobody is signed in.
func (c CredentialRepository) LocalToken() (string, error) {
	var token string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(localTokenKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		token = string(val)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	return token, err
}

func (c CredentialRepository) ClearLocalToken() error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(localTokenKey))
	})
}

func toCredential(record contract.Record) Credential {
	createdAt, _ := record["created_at"].(float64)
	return Credential{
		ID:           record.String("id"),
		Email:        record.String("email"),
		PasswordHash: record.String("password_hash"),
		CreatedAt:    time.Unix(int64(createdAt), 0).UTC(),
	}
}
