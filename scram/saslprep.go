package scram

import "golang.org/x/text/secure/precis"

// saslprep applies the "stored-string" normalization profile required by
// RFC 5802 for both the SASL username and the password before they enter
// the SCRAM computation. Go's standard library has no RFC 4013 SASLprep
// implementation; golang.org/x/text/secure/precis's OpaqueString profile
// (RFC 8265) is its direct, actively maintained successor and performs the
// same width-folding/normalization/prohibited-character checks SASLprep
// specifies for stored strings, so it is used here instead of hand-rolling
// a stringprep table.
func saslprep(s string) (string, error) {
	out, err := precis.OpaqueString.String(s)
	if err != nil {
		return "", err
	}
	return out, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802
// section 5.1, applied after SASLprep normalization.
func escapeUsername(user string) string {
	out := make([]byte, 0, len(user))
	for i := 0; i < len(user); i++ {
		switch user[i] {
		case '=':
			out = append(out, "=3D"...)
		case ',':
			out = append(out, "=2C"...)
		default:
			out = append(out, user[i])
		}
	}
	return string(out)
}
