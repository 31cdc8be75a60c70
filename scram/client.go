// Package scram implements the client side of SASL SCRAM-SHA-256
// (RFC 5802, with the SHA-256 profile from RFC 7677) as used by the
// PostgreSQL backend for AuthenticationSASL / AuthenticationSASLContinue /
// AuthenticationSASLFinal.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// gs2Header is always "n,," — channel binding is declared not supported by
// the client (this is secure against
// downgrade only because the server accepts SCRAM-SHA-256 without
// channel binding; a channel-bound "-PLUS" variant would need a new GS2
// header here plus a renegotiated capability set).
const gs2Header = "n,,"

// State is the position of the authenticator in the five-step exchange.
type State int

const (
	StateStart State = iota
	StateSentClientFirst
	StateReceivedServerFirst
	StateSentClientFinal
	StateReceivedServerFinal
)

// Client drives one SCRAM-SHA-256 authentication exchange. It is not
// reusable across connections; construct a new Client per authentication
// attempt.
type Client struct {
	user     string
	password string
	state    State

	clientNonce string
	serverNonce string
	salt        []byte
	iterations  int

	clientFirstBare         string
	serverFirstMessage      string
	clientFinalWithoutProof string

	saltedPassword []byte
}

// NewClient constructs a Client with a randomly generated 18-byte client
// nonce, base64 encoded.
func NewClient(user, password string) (*Client, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	return NewClientWithNonce(user, password, base64.StdEncoding.EncodeToString(nonceBytes))
}

// NewClientWithNonce constructs a Client with an injected client nonce, for
// deterministic tests against RFC 7677-style vectors.
func NewClientWithNonce(user, password, clientNonce string) (*Client, error) {
	return &Client{
		user:        user,
		password:    password,
		clientNonce: clientNonce,
		state:       StateStart,
	}, nil
}

// State returns the authenticator's current position in the exchange.
func (c *Client) State() State {
	return c.state
}

// ClientFirstMessage builds "n,,n=<saslname>,r=<nonce>" and advances the
// state machine to StateSentClientFirst. SASLprep failures are reported as
// invalid-username-string without leaking the offending bytes.
func (c *Client) ClientFirstMessage() (string, error) {
	if c.state != StateStart {
		return "", fmt.Errorf("scram: ClientFirstMessage called out of order")
	}
	normalized, err := saslprep(c.user)
	if err != nil {
		return "", errInvalidUsernameString
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(normalized), c.clientNonce)
	c.state = StateSentClientFirst
	return gs2Header + c.clientFirstBare, nil
}

// ReceiveServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>", validates
// that the server nonce starts with the client nonce and the iteration
// count is positive, and advances to StateReceivedServerFirst.
func (c *Client) ReceiveServerFirst(serverFirst string) error {
	if c.state != StateSentClientFirst {
		return fmt.Errorf("scram: ReceiveServerFirst called out of order")
	}

	nonce, saltB64, iterStr, err := parseServerFirst(serverFirst)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedServerMessage, err)
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return fmt.Errorf("%w: server nonce does not start with client nonce", errMalformedServerMessage)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("%w: decoding salt: %v", errMalformedServerMessage, err)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return fmt.Errorf("%w: invalid iteration count %q", errMalformedServerMessage, iterStr)
	}

	c.serverNonce = nonce
	c.salt = salt
	c.iterations = iterations
	c.serverFirstMessage = serverFirst
	c.state = StateReceivedServerFirst
	return nil
}

// ClientFinalMessage computes the salted password, client proof, and
// builds "c=<base64 gs2>,r=<nonce>,p=<base64 proof>". Advances to
// StateSentClientFinal.
func (c *Client) ClientFinalMessage() (string, error) {
	if c.state != StateReceivedServerFirst {
		return "", fmt.Errorf("scram: ClientFinalMessage called out of order")
	}

	password, err := saslprep(c.password)
	if err != nil {
		return "", errInvalidPasswordString
	}

	c.saltedPassword = pbkdf2.Key([]byte(password), c.salt, c.iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	c.clientFinalWithoutProof = fmt.Sprintf("%s,r=%s", channelBinding, c.serverNonce)

	authMessage := c.authMessage()
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	c.state = StateSentClientFinal
	return c.clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// ReceiveServerFinal parses "v=<base64 signature>" and verifies it against
// the expected server signature. Advances to StateReceivedServerFinal on
// success.
func (c *Client) ReceiveServerFinal(serverFinal string) error {
	if c.state != StateSentClientFinal {
		return fmt.Errorf("scram: ReceiveServerFinal called out of order")
	}
	if !strings.HasPrefix(serverFinal, "v=") {
		return fmt.Errorf("%w: expected v=<signature>, got %q", errMalformedServerMessage, serverFinal)
	}

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(c.authMessage()))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)

	if serverFinal != expected {
		return errIncorrectServerVerifier
	}
	c.state = StateReceivedServerFinal
	return nil
}

func (c *Client) authMessage() string {
	return c.clientFirstBare + "," + c.serverFirstMessage + "," + c.clientFinalWithoutProof
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>" in the exact
// field order RFC 5802 requires: a deviation (wrong order, missing field)
// is a malformed-message error.
func parseServerFirst(msg string) (nonce, salt, iterations string, err error) {
	parts := strings.Split(msg, ",")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("expected at least 3 fields, got %d", len(parts))
	}
	if !strings.HasPrefix(parts[0], "r=") {
		return "", "", "", fmt.Errorf("expected r=<nonce> first, got %q", parts[0])
	}
	if !strings.HasPrefix(parts[1], "s=") {
		return "", "", "", fmt.Errorf("expected s=<salt> second, got %q", parts[1])
	}
	if !strings.HasPrefix(parts[2], "i=") {
		return "", "", "", fmt.Errorf("expected i=<iterations> third, got %q", parts[2])
	}
	return parts[0][2:], parts[1][2:], parts[2][2:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
