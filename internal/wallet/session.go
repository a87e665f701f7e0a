// Package wallet models the signing session as an explicitly owned object.
// Connection lifecycle is external; the orchestrator only checks capability
// before each write.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNotConnected means no signer is attached to the session.
	ErrNotConnected = errors.New("wallet: no signer connected")
	// ErrDeclined means the authorize hook refused the write.
	ErrDeclined = errors.New("wallet: authorization declined")
)

// AuthorizeFunc stands in for the wallet's confirmation prompt. Returning
// ErrDeclined (or wrapping it) aborts the write before submission.
type AuthorizeFunc func(operation string) error

// Session holds the current account and signing key.
type Session struct {
	account   common.Address
	key       *ecdsa.PrivateKey
	authorize AuthorizeFunc
}

// NewSession derives the session account from the private key.
func NewSession(privateKeyHex string) (*Session, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Session{
		account: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// ReadOnlySession observes an account without signing capability. Writes
// through it fail the capability check.
func ReadOnlySession(account string) *Session {
	return &Session{account: common.HexToAddress(account)}
}

// WithAuthorizer installs the confirmation hook.
func (s *Session) WithAuthorizer(fn AuthorizeFunc) *Session {
	s.authorize = fn
	return s
}

// Account returns the session's address.
func (s *Session) Account() common.Address {
	return s.account
}

// Key exposes the signing key for transactor construction.
func (s *Session) Key() *ecdsa.PrivateKey {
	return s.key
}

// Ready reports whether the session can sign.
func (s *Session) Ready() error {
	if s == nil || s.key == nil {
		return ErrNotConnected
	}
	return nil
}

// Authorize runs the confirmation hook for a named operation. A nil hook
// authorizes silently.
func (s *Session) Authorize(operation string) error {
	if err := s.Ready(); err != nil {
		return err
	}
	if s.authorize == nil {
		return nil
	}
	if err := s.authorize(operation); err != nil {
		if errors.Is(err, ErrDeclined) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	return nil
}

// SameAccount compares two addresses case-insensitively, the way the ledger
// compares them.
func SameAccount(a, b string) bool {
	return strings.EqualFold(a, b)
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
