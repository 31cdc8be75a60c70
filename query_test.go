package pgwire

import (
	"encoding/binary"
	"net"
	"testing"
)

// newTestConnection builds a Connection wired directly to client, bypassing
// Connect/startup (those are covered in connect_test.go) so query tests can
// drive Prepare/Execute/NextRow directly against a hand-rolled backend.
func newTestConnection(client net.Conn) *Connection {
	return &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(TrustCredential())}
}

// readMessage reads one tagged message off conn the way a real backend
// would read a frontend message: a tag byte, a u32 length, then the body.
func readMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	tagBuf := make([]byte, 1)
	if _, err := readFullTest(conn, tagBuf); err != nil {
		t.Fatalf("read tag: %v", err)
	}
	var lenBuf [4]byte
	if _, err := readFullTest(conn, lenBuf[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length-4)
	if _, err := readFullTest(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return tagBuf[0], body
}

func cstring(s string) []byte { return append([]byte(s), 0) }

func rowDescriptionBody(names ...string) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(names)))
	for _, name := range names {
		out = append(out, cstring(name)...)
		out = append(out, u32(0)...)        // table OID
		out = append(out, 0, 0)             // column attribute
		out = append(out, u32(25)...)       // data type OID (text)
		out = append(out, 0xFF, 0xFF)       // data type size (-1, variable)
		out = append(out, u32(0)...)        // type modifier
		out = append(out, 0, 0)             // format code (text)
	}
	return out
}

func dataRowBody(values ...string) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(values)))
	for _, v := range values {
		out = append(out, u32(uint32(len(v)))...)
		out = append(out, []byte(v)...)
	}
	return out
}

func commandCompleteBody(tag string) []byte { return cstring(tag) }

// fakeQueryBackend answers a scripted sequence of extended-query round
// trips: each handlePrepare/handleExecute* call consumes exactly the
// messages one Prepare or Execute call sends.
type fakeQueryBackend struct {
	t    *testing.T
	conn net.Conn
}

func (b *fakeQueryBackend) expectParseAndFlush() {
	tag, _ := readMessage(b.t, b.conn)
	if tag != tagParse {
		b.t.Fatalf("expected Parse, got %q", tag)
	}
	tag, _ = readMessage(b.t, b.conn)
	if tag != tagFlush {
		b.t.Fatalf("expected Flush, got %q", tag)
	}
}

func (b *fakeQueryBackend) expectSync() {
	tag, _ := readMessage(b.t, b.conn)
	if tag != tagSync {
		b.t.Fatalf("expected Sync, got %q", tag)
	}
}

func (b *fakeQueryBackend) expectBindAndFlush() {
	tag, _ := readMessage(b.t, b.conn)
	if tag != tagBind {
		b.t.Fatalf("expected Bind, got %q", tag)
	}
	tag, _ = readMessage(b.t, b.conn)
	if tag != tagFlush {
		b.t.Fatalf("expected Flush, got %q", tag)
	}
}

func (b *fakeQueryBackend) expectDescribeAndFlush() {
	tag, _ := readMessage(b.t, b.conn)
	if tag != tagDescribe {
		b.t.Fatalf("expected Describe, got %q", tag)
	}
	tag, _ = readMessage(b.t, b.conn)
	if tag != tagFlush {
		b.t.Fatalf("expected Flush, got %q", tag)
	}
}

func (b *fakeQueryBackend) expectExecuteAndFlush() {
	tag, _ := readMessage(b.t, b.conn)
	if tag != tagExecute {
		b.t.Fatalf("expected Execute, got %q", tag)
	}
	tag, _ = readMessage(b.t, b.conn)
	if tag != tagFlush {
		b.t.Fatalf("expected Flush, got %q", tag)
	}
}

func (b *fakeQueryBackend) expectCloseAndFlush(kind byte) {
	tag, body := readMessage(b.t, b.conn)
	if tag != tagClose {
		b.t.Fatalf("expected Close, got %q", tag)
	}
	if body[0] != kind {
		b.t.Fatalf("expected Close target %q, got %q", kind, body[0])
	}
	tag, _ = readMessage(b.t, b.conn)
	if tag != tagFlush {
		b.t.Fatalf("expected Flush, got %q", tag)
	}
}

// servePrepareExecuteSelect runs a standard SELECT round trip: Parse,
// Bind, Describe, Execute, one row, CommandComplete, then Close(portal)
// and Close(statement) when the caller is done with both.
func servePrepareExecuteSelect(t *testing.T, conn net.Conn, rows [][]string, tag string) {
	b := &fakeQueryBackend{t: t, conn: conn}

	b.expectParseAndFlush()
	writeTestMsg(conn, tagParseComplete, nil)
	b.expectSync()
	writeTestMsg(conn, tagReadyForQuery, []byte{'I'})

	b.expectBindAndFlush()
	writeTestMsg(conn, tagBindComplete, nil)

	b.expectDescribeAndFlush()
	writeTestMsg(conn, tagRowDescription, rowDescriptionBody("id", "name"))

	b.expectExecuteAndFlush()
	for _, row := range rows {
		writeTestMsg(conn, tagDataRow, dataRowBody(row...))
	}
	writeTestMsg(conn, tagCommandComplete, commandCompleteBody(tag))

	b.expectCloseAndFlush(closePortal)
	writeTestMsg(conn, tagCloseComplete, nil)
	b.expectSync()
	writeTestMsg(conn, tagReadyForQuery, []byte{'I'})

	b.expectCloseAndFlush(closeStatement)
	writeTestMsg(conn, tagCloseComplete, nil)
	b.expectSync()
	writeTestMsg(conn, tagReadyForQuery, []byte{'I'})
}

func TestPrepareExecuteNextRow(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		servePrepareExecuteSelect(t, server, [][]string{{"1", "alice"}, {"2", "bob"}}, "SELECT 2")
	}()

	c := newTestConnection(client)
	stmt, err := c.Prepare("SELECT id, name FROM users")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	cur, err := c.Execute(stmt, nil, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	cols, ok := cur.Columns()
	if !ok || len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "name" {
		t.Fatalf("unexpected columns: %+v (ok=%v)", cols, ok)
	}

	var got [][]string
	for {
		row, ok, err := cur.NextRow()
		if err != nil {
			t.Fatalf("next row: %v", err)
		}
		if !ok {
			break
		}
		vals := row.Columns()
		id, _ := vals[0].Text()
		name, _ := vals[1].Text()
		got = append(got, []string{id, name})
	}
	if len(got) != 2 || got[0][1] != "alice" || got[1][1] != "bob" {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if cur.Command() != "SELECT" || cur.RowsAffected() != 2 {
		t.Fatalf("unexpected command tag: %q %d", cur.Command(), cur.RowsAffected())
	}

	if err := cur.Close(); err != nil {
		t.Fatalf("close cursor: %v", err)
	}
	if err := stmt.Close(); err != nil {
		t.Fatalf("close statement: %v", err)
	}
	<-done
}

func TestExecuteSurfacesErrorBeforeFirstRow(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b := &fakeQueryBackend{t: t, conn: server}

		b.expectParseAndFlush()
		writeTestMsg(server, tagParseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})

		b.expectBindAndFlush()
		writeTestMsg(server, tagBindComplete, nil)

		b.expectExecuteAndFlush()
		errBody := append([]byte{'S'}, cstring("ERROR")...)
		errBody = append(errBody, 'C')
		errBody = append(errBody, cstring("42703")...)
		errBody = append(errBody, 'M')
		errBody = append(errBody, cstring("column \"missing\" does not exist")...)
		errBody = append(errBody, 0)
		writeTestMsg(server, tagErrorResponse, errBody)

		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})
	}()

	c := newTestConnection(client)
	stmt, err := c.Prepare("SELECT missing FROM users")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = c.Execute(stmt, nil, false)
	if err == nil {
		t.Fatal("expected Execute to surface the server error")
	}
	<-done
}

func TestNewExecuteDrainsPriorCursor(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b := &fakeQueryBackend{t: t, conn: server}

		b.expectParseAndFlush()
		writeTestMsg(server, tagParseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})

		// First Execute: bind, execute, one unread row buffered.
		b.expectBindAndFlush()
		writeTestMsg(server, tagBindComplete, nil)
		b.expectExecuteAndFlush()
		writeTestMsg(server, tagDataRow, dataRowBody("1"))

		// Second Execute first drains (closes) the still-open portal...
		b.expectCloseAndFlush(closePortal)
		writeTestMsg(server, tagCloseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})

		// ...then runs its own bind/execute.
		b.expectBindAndFlush()
		writeTestMsg(server, tagBindComplete, nil)
		b.expectExecuteAndFlush()
		writeTestMsg(server, tagCommandComplete, commandCompleteBody("SELECT 0"))
	}()

	c := newTestConnection(client)
	stmt, err := c.Prepare("SELECT id FROM users")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if _, err := c.Execute(stmt, nil, false); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	cur2, err := c.Execute(stmt, nil, false)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if cur2.Command() != "SELECT" {
		t.Fatalf("unexpected command: %q", cur2.Command())
	}
	<-done
}

func TestPrepareDrainsPriorCursor(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b := &fakeQueryBackend{t: t, conn: server}

		b.expectParseAndFlush()
		writeTestMsg(server, tagParseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})

		// Execute leaves one unread row buffered in the Cursor.
		b.expectBindAndFlush()
		writeTestMsg(server, tagBindComplete, nil)
		b.expectExecuteAndFlush()
		writeTestMsg(server, tagDataRow, dataRowBody("1"))

		// Prepare of a second statement must drain the still-open portal
		// first, before its own Parse/ParseComplete exchange.
		b.expectCloseAndFlush(closePortal)
		writeTestMsg(server, tagCloseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})

		b.expectParseAndFlush()
		writeTestMsg(server, tagParseComplete, nil)
		b.expectSync()
		writeTestMsg(server, tagReadyForQuery, []byte{'I'})
	}()

	c := newTestConnection(client)
	stmt, err := c.Prepare("SELECT id FROM users")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := c.Execute(stmt, nil, false); err != nil {
		t.Fatalf("execute: %v", err)
	}

	stmt2, err := c.Prepare("SELECT id FROM accounts")
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if stmt2 == nil {
		t.Fatalf("expected non-nil statement")
	}
	<-done
}

func TestTransactionHelpersIssueLiteralSQL(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, tag := range []string{"BEGIN", "COMMIT"} {
			b := &fakeQueryBackend{t: t, conn: server}
			b.expectParseAndFlush()
			writeTestMsg(server, tagParseComplete, nil)
			b.expectSync()
			writeTestMsg(server, tagReadyForQuery, []byte{'I'})

			b.expectBindAndFlush()
			writeTestMsg(server, tagBindComplete, nil)
			b.expectExecuteAndFlush()
			writeTestMsg(server, tagCommandComplete, commandCompleteBody(tag))

			b.expectCloseAndFlush(closePortal)
			writeTestMsg(server, tagCloseComplete, nil)
			b.expectSync()
			writeTestMsg(server, tagReadyForQuery, []byte{'I'})

			b.expectCloseAndFlush(closeStatement)
			writeTestMsg(server, tagCloseComplete, nil)
			b.expectSync()
			writeTestMsg(server, tagReadyForQuery, []byte{'I'})
		}
	}()

	c := newTestConnection(client)
	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.CommitTransaction(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	<-done
}
