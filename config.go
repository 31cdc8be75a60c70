package pgwire

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// CredentialKind selects which authentication method the client is
// prepared to perform. The connection fails fast if the server demands a
// different method than the one configured here.
type CredentialKind int

const (
	CredentialTrust CredentialKind = iota
	CredentialCleartext
	CredentialMD5
	CredentialSCRAMSHA256
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialTrust:
		return "trust"
	case CredentialCleartext:
		return "cleartext"
	case CredentialMD5:
		return "md5"
	case CredentialSCRAMSHA256:
		return "scram-sha-256"
	default:
		return "unknown"
	}
}

// Credential pairs a CredentialKind with the secret it requires, if any.
type Credential struct {
	Kind     CredentialKind
	Password string
}

// TrustCredential configures a connection that expects no password
// challenge from the server.
func TrustCredential() Credential { return Credential{Kind: CredentialTrust} }

// CleartextCredential configures cleartext password authentication.
func CleartextCredential(password string) Credential {
	return Credential{Kind: CredentialCleartext, Password: password}
}

// MD5Credential configures MD5-hashed password authentication.
func MD5Credential(password string) Credential {
	return Credential{Kind: CredentialMD5, Password: password}
}

// SCRAMSHA256Credential configures SCRAM-SHA-256 authentication.
func SCRAMSHA256Credential(password string) Credential {
	return Credential{Kind: CredentialSCRAMSHA256, Password: password}
}

// Config is the external collaborator that carries everything a
// Connection needs to dial, negotiate TLS, and authenticate. It is a
// plain value object: the core never mutates it and never derives
// behavior from anything but the fields below.
type Config struct {
	Host string
	Port int

	// TLS, if non-nil, causes the connection to request SSL via the
	// SSLRequest handshake before sending the startup message, and to
	// use this configuration for the subsequent TLS handshake.
	TLS *tls.Config

	// DialTimeout bounds the initial TCP connect. SocketTimeout, if
	// non-zero, is applied as a read/write deadline on every subsequent
	// socket operation.
	DialTimeout   time.Duration
	SocketTimeout time.Duration

	Database        string
	User            string
	Credential      Credential
	ApplicationName string

	// Logger receives warnings for errors that are logged instead of
	// returned (those swallowed by Statement.Close). Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Delegate receives asynchronous notices, notifications, and
	// parameter-status changes observed outside the request the caller
	// is waiting on. May be nil.
	Delegate Delegate
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) delegate() Delegate {
	if c.Delegate != nil {
		return c.Delegate
	}
	return NoDelegate{}
}
