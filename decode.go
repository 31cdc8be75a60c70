package pgwire

import (
	"strconv"
	"strings"

	"github.com/dbbouncer/pgwire/internal/wire"
)

// authResult is the decoded body of one AuthenticationX message.
type authResult struct {
	kind uint32

	md5Salt [4]byte // authMD5Password

	saslMechanisms []string // authSASL
	saslData       []byte   // authSASLContinue / authSASLFinal
}

func readAuthentication(body *wire.Body) (authResult, error) {
	kind, err := body.ReadU32BE()
	if err != nil {
		return authResult{}, err
	}
	res := authResult{kind: kind}
	switch kind {
	case authOK, authKerberosV5, authCleartextPassword, authSCMCredential, authGSS, authSSPI:
		// no further payload
	case authMD5Password:
		salt, err := body.ReadExact(4)
		if err != nil {
			return authResult{}, err
		}
		copy(res.md5Salt[:], salt)
	case authSASL:
		for {
			name, err := body.ReadCStringUTF8()
			if err != nil {
				return authResult{}, err
			}
			if name == "" {
				break
			}
			res.saslMechanisms = append(res.saslMechanisms, name)
		}
	case authGSSContinue, authSASLContinue, authSASLFinal:
		data, err := body.ReadExact(body.Remaining())
		if err != nil {
			return authResult{}, err
		}
		res.saslData = data
	default:
		return authResult{}, newError(ErrCodeUnsupportedAuthenticationType, "authentication type "+strconv.Itoa(int(kind)))
	}
	return res, nil
}

func readBackendKeyData(body *wire.Body) (processID, secretKey uint32, err error) {
	if processID, err = body.ReadU32BE(); err != nil {
		return 0, 0, err
	}
	if secretKey, err = body.ReadU32BE(); err != nil {
		return 0, 0, err
	}
	return processID, secretKey, nil
}

func readParameterStatus(body *wire.Body) (name, value string, err error) {
	if name, err = body.ReadCStringUTF8(); err != nil {
		return "", "", err
	}
	if value, err = body.ReadCStringUTF8(); err != nil {
		return "", "", err
	}
	return name, value, nil
}

// transactionStatus is the single byte reported by ReadyForQuery.
type transactionStatus byte

const (
	transactionStatusIdle     transactionStatus = 'I'
	transactionStatusInBlock  transactionStatus = 'T'
	transactionStatusInFailed transactionStatus = 'E'
)

func readReadyForQuery(body *wire.Body) (transactionStatus, error) {
	b, err := body.ReadU8()
	return transactionStatus(b), err
}

func readRowDescription(body *wire.Body) ([]ColumnMetadata, error) {
	n, err := body.ReadU16BE()
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnMetadata, 0, n)
	for i := uint16(0); i < n; i++ {
		var c ColumnMetadata
		var err error
		if c.Name, err = body.ReadCStringUTF8(); err != nil {
			return nil, err
		}
		tableOID, err := body.ReadU32BE()
		if err != nil {
			return nil, err
		}
		c.TableOID = tableOID
		attr, err := body.ReadU16BE()
		if err != nil {
			return nil, err
		}
		c.ColumnAttribute = int16(attr)
		if c.DataTypeOID, err = body.ReadU32BE(); err != nil {
			return nil, err
		}
		size, err := body.ReadU16BE()
		if err != nil {
			return nil, err
		}
		c.DataTypeSize = int16(size)
		modifier, err := body.ReadU32BE()
		if err != nil {
			return nil, err
		}
		c.DataTypeModifier = int32(modifier)
		format, err := body.ReadU16BE()
		if err != nil {
			return nil, err
		}
		_ = format // text format (0) is enforced by Bind; anything else is a server bug
		cols = append(cols, c)
	}
	return cols, nil
}

func readDataRow(body *wire.Body) ([]Value, error) {
	n, err := body.ReadU16BE()
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, n)
	for i := uint16(0); i < n; i++ {
		length, err := body.ReadU32BE()
		if err != nil {
			return nil, err
		}
		if length == 0xFFFFFFFF {
			values = append(values, NullValue())
			continue
		}
		raw, err := body.ReadUTF8(int(length))
		if err != nil {
			return nil, err
		}
		values = append(values, TextValue(raw))
	}
	return values, nil
}

// commandTag is the parsed form of a CommandComplete message's tag string,
// e.g. "INSERT 0 3", "UPDATE 1", "SELECT 4", "MOVE 0", "FETCH 2", "COPY 5".
type commandTag struct {
	command string
	rows    int64
}

func readCommandComplete(body *wire.Body) (commandTag, error) {
	tag, err := body.ReadCStringUTF8()
	if err != nil {
		return commandTag{}, err
	}
	return parseCommandTag(tag), nil
}

func parseCommandTag(tag string) commandTag {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return commandTag{}
	}
	ct := commandTag{command: fields[0]}
	last := fields[len(fields)-1]
	if n, err := strconv.ParseInt(last, 10, 64); err == nil && len(fields) >= 2 {
		ct.rows = n
	}
	return ct
}

func readNotificationResponse(body *wire.Body) (processID uint32, channel, payload string, err error) {
	if processID, err = body.ReadU32BE(); err != nil {
		return 0, "", "", err
	}
	if channel, err = body.ReadCStringUTF8(); err != nil {
		return 0, "", "", err
	}
	if payload, err = body.ReadCStringUTF8(); err != nil {
		return 0, "", "", err
	}
	return processID, channel, payload, nil
}

func readErrorOrNotice(body *wire.Body) (*Notice, error) {
	fields := make(map[byte]string)
	for {
		tag, err := body.ReadU8()
		if err != nil {
			return nil, err
		}
		if tag == 0 {
			break
		}
		value, err := body.ReadCStringUTF8()
		if err != nil {
			return nil, err
		}
		fields[tag] = value
	}
	return newNotice(fields), nil
}
