package pgwire

import (
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"

	"github.com/dbbouncer/pgwire/internal/wire"
	"github.com/dbbouncer/pgwire/scram"
)

// Connection is a single, non-pooled, session-oriented connection to a
// PostgreSQL server speaking wire protocol version 3. A Connection is not
// safe for concurrent use by multiple goroutines: only one Statement may
// be prepared, and only one Cursor may be open, at a time. Pool provides
// safe concurrent access over a set of Connections.
type Connection struct {
	conn net.Conn
	r    *wire.Reader

	cfg       Config
	log       *slog.Logger
	processID uint32
	secretKey uint32
	txStatus  transactionStatus

	closed bool
	cursor cursorState

	id uint64
}

// Connect dials, negotiates TLS if configured, sends the startup message,
// authenticates using the configured Credential, and waits for the server
// to report ReadyForQuery. The returned Connection is ready for Prepare.
func Connect(cfg Config) (*Connection, error) {
	log := cfg.logger()
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	rawConn, err := dialer.Dial("tcp", cfg.address())
	if err != nil {
		return nil, wrapError(ErrCodeSocketError, "dial "+cfg.address(), err)
	}

	conn := rawConn
	if cfg.TLS != nil {
		conn, err = negotiateTLS(rawConn, cfg.TLS)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
	}
	conn = withSocketTimeout(conn, cfg.SocketTimeout)

	c := &Connection{
		conn: conn,
		r:    wire.NewReader(conn),
		cfg:  cfg,
		log:  log,
		id:   nextID(),
	}

	if err := c.startup(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// negotiateTLS performs the SSLRequest handshake: an 8-byte request, a
// single 'S' or 'N' response byte, then (on 'S') a standard TLS client
// handshake over the same socket.
func negotiateTLS(conn net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	if err := sendSSLRequest(conn); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send SSLRequest", err)
	}
	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return nil, wrapError(ErrCodeSocketError, "read SSLRequest reply", err)
	}
	switch reply[0] {
	case 'S':
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, wrapError(ErrCodeSSLError, "TLS handshake", err)
		}
		return tlsConn, nil
	case 'N':
		return nil, newError(ErrCodeSSLNotSupported, "server rejected SSLRequest")
	default:
		return nil, newError(ErrCodeSSLError, fmt.Sprintf("unexpected SSLRequest reply byte %q", reply[0]))
	}
}

func (c *Connection) startup() error {
	if err := sendStartupMessage(c.conn, c.cfg); err != nil {
		return wrapError(ErrCodeSocketError, "send StartupMessage", err)
	}
	if err := c.authenticate(); err != nil {
		return err
	}
	return c.awaitReadyForQuery()
}

// authenticate consumes AuthenticationX messages until authOK, dispatching
// to the credential mechanism that matches what the server requests. A
// mismatch between the configured Credential and the server's demand is a
// configuration error, not a protocol error: it is reported with the
// ErrCode naming the mechanism the server actually required.
func (c *Connection) authenticate() error {
	for {
		tag, body, err := wire.ReadResponse(c.r)
		if err != nil {
			return wrapError(ErrCodeSocketError, "read authentication response", err)
		}
		switch tag {
		case tagErrorResponse:
			return c.handleErrorResponse(body)
		case tagNoticeResponse:
			if err := c.handleNoticeResponse(body); err != nil {
				return err
			}
			continue
		case tagAuthentication:
			auth, err := readAuthentication(body)
			if err != nil {
				return wrapError(ErrCodeSocketError, "decode AuthenticationX", err)
			}
			if err := body.Finish(); err != nil {
				return wrapError(ErrCodeSocketError, "AuthenticationX", err)
			}
			done, err := c.handleAuthentication(auth)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return newError(ErrCodeSocketError, fmt.Sprintf("unexpected message %q during authentication", tag))
		}
	}
}

// handleAuthentication processes one AuthenticationX message, possibly
// replying on the wire, and reports whether authentication is complete
// (authOK was received).
func (c *Connection) handleAuthentication(auth authResult) (bool, error) {
	switch auth.kind {
	case authOK:
		return true, nil
	case authCleartextPassword:
		if c.cfg.Credential.Kind != CredentialCleartext {
			return false, newError(ErrCodeCleartextPasswordRequired, "server requires cleartext password authentication")
		}
		if err := sendPasswordMessage(c.conn, c.cfg.Credential.Password); err != nil {
			return false, wrapError(ErrCodeSocketError, "send cleartext PasswordMessage", err)
		}
		return false, nil
	case authMD5Password:
		if c.cfg.Credential.Kind != CredentialMD5 {
			return false, newError(ErrCodeMD5PasswordRequired, "server requires MD5 password authentication")
		}
		hashed := md5Hash(c.cfg.Credential.Password, c.cfg.User, auth.md5Salt)
		if err := sendPasswordMessage(c.conn, hashed); err != nil {
			return false, wrapError(ErrCodeSocketError, "send MD5 PasswordMessage", err)
		}
		return false, nil
	case authSASL:
		if c.cfg.Credential.Kind != CredentialSCRAMSHA256 {
			return false, newError(ErrCodeSCRAMSHA256Required, "server requires SCRAM-SHA-256 authentication")
		}
		return false, c.authenticateSCRAM(auth.saslMechanisms)
	default:
		return false, newError(ErrCodeUnsupportedAuthenticationType, fmt.Sprintf("authentication type %d", auth.kind))
	}
}

const scramMechanismName = "SCRAM-SHA-256"

func (c *Connection) authenticateSCRAM(mechanisms []string) error {
	supported := false
	for _, m := range mechanisms {
		if m == scramMechanismName {
			supported = true
		}
	}
	if !supported {
		return newError(ErrCodeUnsupportedAuthenticationType, "server did not offer SCRAM-SHA-256")
	}

	client, err := scram.NewClient(c.cfg.User, c.cfg.Credential.Password)
	if err != nil {
		return wrapError(ErrCodeInvalidUsernameString, "build SCRAM client", err)
	}
	clientFirst, err := client.ClientFirstMessage()
	if err != nil {
		return wrapError(ErrCodeInvalidUsernameString, "build client-first-message", err)
	}
	if err := sendSASLInitialResponse(c.conn, scramMechanismName, []byte(clientFirst)); err != nil {
		return wrapError(ErrCodeSocketError, "send SASLInitialResponse", err)
	}

	tag, body, err := wire.ReadResponse(c.r)
	if err != nil {
		return wrapError(ErrCodeSocketError, "read AuthenticationSASLContinue", err)
	}
	if tag == tagErrorResponse {
		return c.handleErrorResponse(body)
	}
	if tag != tagAuthentication {
		return newError(ErrCodeSocketError, fmt.Sprintf("unexpected message %q awaiting AuthenticationSASLContinue", tag))
	}
	cont, err := readAuthentication(body)
	if err != nil || cont.kind != authSASLContinue {
		return newError(ErrCodeSocketError, "expected AuthenticationSASLContinue")
	}
	if err := body.Finish(); err != nil {
		return wrapError(ErrCodeSocketError, "AuthenticationSASLContinue", err)
	}

	if err := client.ReceiveServerFirst(string(cont.saslData)); err != nil {
		return wrapError(ErrCodeSCRAMSHA256Required, "process server-first-message", err)
	}
	clientFinal, err := client.ClientFinalMessage()
	if err != nil {
		return wrapError(ErrCodeInvalidPasswordString, "build client-final-message", err)
	}
	if err := sendSASLResponse(c.conn, []byte(clientFinal)); err != nil {
		return wrapError(ErrCodeSocketError, "send SASLResponse", err)
	}

	tag, body, err = wire.ReadResponse(c.r)
	if err != nil {
		return wrapError(ErrCodeSocketError, "read AuthenticationSASLFinal", err)
	}
	if tag == tagErrorResponse {
		return c.handleErrorResponse(body)
	}
	if tag != tagAuthentication {
		return newError(ErrCodeSocketError, fmt.Sprintf("unexpected message %q awaiting AuthenticationSASLFinal", tag))
	}
	final, err := readAuthentication(body)
	if err != nil || final.kind != authSASLFinal {
		return newError(ErrCodeSocketError, "expected AuthenticationSASLFinal")
	}
	if err := body.Finish(); err != nil {
		return wrapError(ErrCodeSocketError, "AuthenticationSASLFinal", err)
	}
	if err := client.ReceiveServerFinal(string(final.saslData)); err != nil {
		return wrapError(ErrCodeSCRAMSHA256Required, "verify server-final-message", err)
	}
	return nil
}

func md5Hash(password, user string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// awaitReadyForQuery drains BackendKeyData and ParameterStatus messages
// after a successful authentication, applying the session parameter
// policy, until ReadyForQuery arrives.
func (c *Connection) awaitReadyForQuery() error {
	for {
		tag, body, err := wire.ReadResponse(c.r)
		if err != nil {
			return wrapError(ErrCodeSocketError, "read startup response", err)
		}
		switch tag {
		case tagBackendKeyData:
			pid, secret, err := readBackendKeyData(body)
			if err != nil {
				return wrapError(ErrCodeSocketError, "decode BackendKeyData", err)
			}
			c.processID, c.secretKey = pid, secret
		case tagParameterStatus:
			name, value, err := readParameterStatus(body)
			if err != nil {
				return wrapError(ErrCodeSocketError, "decode ParameterStatus", err)
			}
			c.cfg.delegate().OnParameterStatus(name, value)
			if perr := checkParameterStatus(name, value); perr != nil {
				c.Close()
				return perr
			}
		case tagNoticeResponse:
			if err := c.handleNoticeResponse(body); err != nil {
				return err
			}
		case tagErrorResponse:
			return c.handleErrorResponse(body)
		case tagReadyForQuery:
			status, err := readReadyForQuery(body)
			if err != nil {
				return wrapError(ErrCodeSocketError, "decode ReadyForQuery", err)
			}
			c.txStatus = status
			return body.Finish()
		default:
			return newError(ErrCodeSocketError, fmt.Sprintf("unexpected message %q before ReadyForQuery", tag))
		}
	}
}

func (c *Connection) handleErrorResponse(body *wire.Body) error {
	n, err := readErrorOrNotice(body)
	if err != nil {
		return wrapError(ErrCodeSocketError, "decode ErrorResponse", err)
	}
	return sqlError(n)
}

func (c *Connection) handleNoticeResponse(body *wire.Body) error {
	n, err := readErrorOrNotice(body)
	if err != nil {
		return wrapError(ErrCodeSocketError, "decode NoticeResponse", err)
	}
	c.cfg.delegate().OnNotice(n)
	return nil
}

// Close sends Terminate and closes the underlying socket. It is safe to
// call more than once.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = sendTerminate(c.conn)
	return c.conn.Close()
}

// ProcessID returns the backend process id reported by BackendKeyData,
// primarily useful for correlating LISTEN/NOTIFY traffic or server logs.
func (c *Connection) ProcessID() uint32 { return c.processID }

// IsClosed reports whether Close has already been called (or the
// Connection closed itself after an unrecoverable protocol or transport
// error). Once true it never reverts.
func (c *Connection) IsClosed() bool { return c.closed }

// InTransaction reports whether the server's last ReadyForQuery reported
// a transaction in progress (open or failed) rather than idle.
func (c *Connection) InTransaction() bool { return c.txStatus != transactionStatusIdle }

// ID returns the Connection's process-wide monotonic identity, used by
// Pool to key its entries independent of the Connection's address.
func (c *Connection) ID() uint64 { return c.id }
