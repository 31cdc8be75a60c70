package scram

import "errors"

var (
	errInvalidUsernameString   = errors.New("scram: invalid username string")
	errInvalidPasswordString   = errors.New("scram: invalid password string")
	errMalformedServerMessage  = errors.New("scram: malformed SASL message")
	errIncorrectServerVerifier = errors.New("scram: server signature mismatch")
)

// IsInvalidUsername reports whether err originated from SASLprep rejecting
// the username.
func IsInvalidUsername(err error) bool { return errors.Is(err, errInvalidUsernameString) }

// IsInvalidPassword reports whether err originated from SASLprep rejecting
// the password.
func IsInvalidPassword(err error) bool { return errors.Is(err, errInvalidPasswordString) }

// IsMalformedServerMessage reports whether err originated from a
// server-first or server-final message that did not match the expected
// grammar.
func IsMalformedServerMessage(err error) bool { return errors.Is(err, errMalformedServerMessage) }

// IsIncorrectServerVerifier reports whether err originated from a
// server-final signature mismatch (the server failed to prove it knows
// the password).
func IsIncorrectServerVerifier(err error) bool { return errors.Is(err, errIncorrectServerVerifier) }
