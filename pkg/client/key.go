package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ConnectionKey is the immutable identity of a MySQL endpoint plus
// credentials. Keys are shared by reference: many readers, no writers after
// construction. Two keys are equal iff every field is equal.
type ConnectionKey struct {
	host           string
	port           int
	unixSocketPath string
	user           string
	database       string
	password       string
	passwordHash   string
	extra          string
}

type ConnectionKeyParams struct {
	Host           string
	Port           int
	UnixSocketPath string
	User           string
	Database       string
	Password       string
	Extra          string
}

func NewConnectionKey(params ConnectionKeyParams) *ConnectionKey {
	return &ConnectionKey{
		host:           params.Host,
		port:           params.Port,
		unixSocketPath: params.UnixSocketPath,
		user:           params.User,
		database:       params.Database,
		password:       params.Password,
		passwordHash:   hashPassword(params.Password),
		extra:          params.Extra,
	}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (k *ConnectionKey) Host() string           { return k.host }
func (k *ConnectionKey) Port() int              { return k.port }
func (k *ConnectionKey) UnixSocketPath() string { return k.unixSocketPath }
func (k *ConnectionKey) User() string           { return k.user }
func (k *ConnectionKey) Database() string       { return k.database }
// Password is the plaintext credential the driver dials with. String leaves
// it out; Equal compares every field, this one included.
func (k *ConnectionKey) Password() string       { return k.password }
func (k *ConnectionKey) PasswordHash() string   { return k.passwordHash }
func (k *ConnectionKey) Extra() string          { return k.extra }

func (k *ConnectionKey) Equal(other *ConnectionKey) bool {
	if k == other {
		return true
	}
	if k == nil || other == nil {
		return false
	}
	return *k == *other
}

// Addr is "host:port", or the unix socket path when one is set.
func (k *ConnectionKey) Addr() string {
	if k.unixSocketPath != "" {
		return k.unixSocketPath
	}
	return fmt.Sprintf("%s:%d", k.host, k.port)
}

// String is used for log fields and as the active-connection map key. The
// password hash is intentionally not included.
func (k *ConnectionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Addr(), k.user, k.database)
}
