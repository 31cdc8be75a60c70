package pgwire

import (
	"net"

	"github.com/dbbouncer/pgwire/internal/wire"
)

const protocolVersion30 uint32 = 3 << 16 // 196608

const sslRequestCode uint32 = 80877103

func sendSSLRequest(conn net.Conn) error {
	body := wire.NewBuilder().PutU32BE(sslRequestCode).Bytes()
	return wire.WriteRequest(conn, 0, body)
}

func sendStartupMessage(conn net.Conn, cfg Config) error {
	b := wire.NewBuilder().PutU32BE(protocolVersion30)
	b.PutCString("user").PutCString(cfg.User)
	b.PutCString("database").PutCString(cfg.Database)
	b.PutCString("application_name").PutCString(cfg.ApplicationName)
	for _, p := range sessionParams {
		b.PutCString(p.name).PutCString(p.connectValue)
	}
	b.PutByte(0)
	return wire.WriteRequest(conn, 0, b.Bytes())
}

func sendPasswordMessage(conn net.Conn, password string) error {
	body := wire.NewBuilder().PutCString(password).Bytes()
	return wire.WriteRequest(conn, tagPasswordMessage, body)
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirst []byte) error {
	b := wire.NewBuilder()
	b.PutCString(mechanism)
	b.PutU32BE(uint32(len(clientFirst)))
	b.PutBytes(clientFirst)
	return wire.WriteRequest(conn, tagPasswordMessage, b.Bytes())
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	return wire.WriteRequest(conn, tagPasswordMessage, data)
}

func sendParse(conn net.Conn, statementName, sql string) error {
	b := wire.NewBuilder()
	b.PutCString(statementName)
	b.PutCString(sql)
	b.PutU16BE(0) // no parameter type hints
	return wire.WriteRequest(conn, tagParse, b.Bytes())
}

func sendFlush(conn net.Conn) error {
	return wire.WriteRequest(conn, tagFlush, nil)
}

func sendSync(conn net.Conn) error {
	return wire.WriteRequest(conn, tagSync, nil)
}

func sendTerminate(conn net.Conn) error {
	return wire.WriteRequest(conn, tagTerminate, nil)
}

// sendBind encodes and sends a Bind message targeting the unnamed portal,
// text format throughout, one u32-length-prefixed parameter per value
// (0xFFFFFFFF marks a SQL NULL).
func sendBind(conn net.Conn, statementName string, params []Value) error {
	b := wire.NewBuilder()
	b.PutCString("")              // destination portal: unnamed
	b.PutCString(statementName)   // source statement
	b.PutU16BE(1).PutU16BE(0)     // one parameter format code: text (0)
	b.PutU16BE(uint16(len(params)))
	for _, p := range params {
		if text, ok := p.Text(); ok {
			b.PutCountedBytes([]byte(text))
		} else {
			b.PutCountedBytes(nil)
		}
	}
	b.PutU16BE(1).PutU16BE(0) // one result format code: text (0)
	return wire.WriteRequest(conn, tagBind, b.Bytes())
}

func sendDescribePortal(conn net.Conn) error {
	b := wire.NewBuilder().PutByte(describePortal).PutCString("")
	return wire.WriteRequest(conn, tagDescribe, b.Bytes())
}

// sendExecute sends Execute targeting the unnamed portal with no row
// limit (a row limit of 0 means "fetch all rows").
func sendExecute(conn net.Conn) error {
	b := wire.NewBuilder().PutCString("").PutU32BE(0)
	return wire.WriteRequest(conn, tagExecute, b.Bytes())
}

func sendClosePortal(conn net.Conn) error {
	b := wire.NewBuilder().PutByte(closePortal).PutCString("")
	return wire.WriteRequest(conn, tagClose, b.Bytes())
}

func sendCloseStatement(conn net.Conn, statementName string) error {
	b := wire.NewBuilder().PutByte(closeStatement).PutCString(statementName)
	return wire.WriteRequest(conn, tagClose, b.Bytes())
}
