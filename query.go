package pgwire

import (
	"fmt"

	"github.com/dbbouncer/pgwire/internal/wire"
)

// cursorKind is the tagged state of the one portal a Connection may have
// open at a time.
type cursorKind int

const (
	cursorClosed cursorKind = iota
	cursorOpen              // a row is buffered in cursorState.buffered
	cursorDrained           // CommandComplete/EmptyQueryResponse seen, portal not yet closed
)

type cursorState struct {
	kind     cursorKind
	buffered Row
}

// Statement is a prepared statement created by Prepare. It must be closed
// to release the server-side resource; Close first drains and closes any
// Cursor still open on the Connection.
type Statement struct {
	conn   *Connection
	name   string
	closed bool
}

// Cursor iterates the rows produced by one Execute call. Only one Cursor
// may be open on a Connection at a time; starting a new Execute silently
// drains and closes whatever Cursor preceded it.
type Cursor struct {
	conn       *Connection
	columns    []ColumnMetadata
	hasColumns bool
	index      ColumnIndex
	tag        commandTag
}

// Prepare parses sql into a new, uniquely named prepared statement and
// waits for the server to confirm it before returning.
func (c *Connection) Prepare(sql string) (*Statement, error) {
	if c.closed {
		return nil, newError(ErrCodeConnectionClosed, "connection is closed")
	}
	if err := c.drainCursor(); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("pgwire_s%d", nextID())
	if err := sendParse(c.conn, name, sql); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Parse", err)
	}
	if err := sendFlush(c.conn); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Flush", err)
	}
	_, body, err := c.receive(tagParseComplete)
	if err != nil {
		return nil, err
	}
	if err := body.Finish(); err != nil {
		return nil, wrapError(ErrCodeSocketError, "ParseComplete", err)
	}
	if err := c.sync(); err != nil {
		return nil, err
	}
	return &Statement{conn: c, name: name}, nil
}

// Execute binds params (text format) to the unnamed portal, optionally
// requests column metadata, then issues Execute with no row limit and
// pre-fetches the first row so a failure in the query itself is reported
// here rather than from the Cursor's first NextRow call.
func (c *Connection) Execute(stmt *Statement, params []Value, retrieveColumnMetadata bool) (*Cursor, error) {
	if c.closed {
		return nil, newError(ErrCodeConnectionClosed, "connection is closed")
	}
	if stmt.closed {
		return nil, newError(ErrCodeStatementClosed, "statement is closed")
	}
	if err := c.drainCursor(); err != nil {
		return nil, err
	}

	if err := sendBind(c.conn, stmt.name, params); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Bind", err)
	}
	if err := sendFlush(c.conn); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Flush", err)
	}
	_, body, err := c.receive(tagBindComplete)
	if err != nil {
		return nil, err
	}
	if err := body.Finish(); err != nil {
		return nil, wrapError(ErrCodeSocketError, "BindComplete", err)
	}

	cur := &Cursor{conn: c}
	if retrieveColumnMetadata {
		if err := c.describePortal(cur); err != nil {
			return nil, err
		}
	}

	if err := sendExecute(c.conn); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Execute", err)
	}
	if err := sendFlush(c.conn); err != nil {
		return nil, wrapError(ErrCodeSocketError, "send Flush", err)
	}
	c.cursor = cursorState{kind: cursorOpen}

	if err := c.fetchNextRow(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (c *Connection) describePortal(cur *Cursor) error {
	if err := sendDescribePortal(c.conn); err != nil {
		return wrapError(ErrCodeSocketError, "send Describe", err)
	}
	if err := sendFlush(c.conn); err != nil {
		return wrapError(ErrCodeSocketError, "send Flush", err)
	}
	tag, body, err := c.receive(tagRowDescription, tagNoData)
	if err != nil {
		return err
	}
	if tag == tagRowDescription {
		cols, derr := readRowDescription(body)
		if derr != nil {
			return wrapError(ErrCodeSocketError, "decode RowDescription", derr)
		}
		if err := body.Finish(); err != nil {
			return wrapError(ErrCodeSocketError, "RowDescription", err)
		}
		cur.columns = cols
	} else if err := body.Finish(); err != nil {
		return wrapError(ErrCodeSocketError, "NoData", err)
	}
	cur.hasColumns = true
	cur.index = newColumnIndex(cur.columns)
	return nil
}

// fetchNextRow reads the next message for the currently open portal and
// updates the Connection's cursor state: a DataRow is buffered for the
// next NextRow call, a CommandComplete or EmptyQueryResponse drains the
// cursor (the portal itself is closed lazily, by drainCursor).
func (c *Connection) fetchNextRow(cur *Cursor) error {
	tag, body, err := c.receive(tagDataRow, tagCommandComplete, tagEmptyQueryResponse)
	if err != nil {
		return err
	}
	switch tag {
	case tagDataRow:
		values, derr := readDataRow(body)
		if derr != nil {
			return wrapError(ErrCodeSocketError, "decode DataRow", derr)
		}
		if err := body.Finish(); err != nil {
			return wrapError(ErrCodeSocketError, "DataRow", err)
		}
		c.cursor = cursorState{kind: cursorOpen, buffered: Row{columns: values, index: cur.index}}
		return nil
	case tagCommandComplete:
		ct, derr := readCommandComplete(body)
		if derr != nil {
			return wrapError(ErrCodeSocketError, "decode CommandComplete", derr)
		}
		if err := body.Finish(); err != nil {
			return wrapError(ErrCodeSocketError, "CommandComplete", err)
		}
		cur.tag = ct
		c.cursor = cursorState{kind: cursorDrained}
		return nil
	case tagEmptyQueryResponse:
		if err := body.Finish(); err != nil {
			return wrapError(ErrCodeSocketError, "EmptyQueryResponse", err)
		}
		c.cursor = cursorState{kind: cursorDrained}
		return nil
	}
	return nil
}

// NextRow returns the next row and true, or a zero Row and false once the
// cursor is drained. It fails with ErrCodeCursorClosed if called after
// the Cursor (or a later Execute on the same Connection) has closed it.
func (cur *Cursor) NextRow() (Row, bool, error) {
	c := cur.conn
	switch c.cursor.kind {
	case cursorClosed:
		return Row{}, false, newError(ErrCodeCursorClosed, "cursor is closed")
	case cursorDrained:
		return Row{}, false, nil
	}
	row := c.cursor.buffered
	if err := c.fetchNextRow(cur); err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

// Columns returns the columns reported by Describe and true, or nil and
// false if this Cursor's Execute call did not request column metadata.
func (cur *Cursor) Columns() ([]ColumnMetadata, bool) {
	if !cur.hasColumns {
		return nil, false
	}
	return cur.columns, true
}

// RowsAffected returns the row count from the command tag. It is only
// meaningful once the cursor has drained (NextRow has returned false).
func (cur *Cursor) RowsAffected() int64 { return cur.tag.rows }

// Command returns the command tag's leading keyword (e.g. "SELECT",
// "INSERT", "UPDATE"), or "" if the cursor has not yet drained.
func (cur *Cursor) Command() string { return cur.tag.command }

// Close drains and closes the underlying portal. It is idempotent and
// safe to call even if rows remain unread.
func (cur *Cursor) Close() error {
	return cur.conn.drainCursor()
}

// drainCursor closes whatever portal is open or drained, transitioning
// the Connection's cursor state back to Closed. It is a no-op if already
// Closed, and is called automatically before every Execute.
func (c *Connection) drainCursor() error {
	if c.cursor.kind == cursorClosed {
		return nil
	}
	if err := sendClosePortal(c.conn); err != nil {
		return wrapError(ErrCodeSocketError, "send Close(portal)", err)
	}
	if err := sendFlush(c.conn); err != nil {
		return wrapError(ErrCodeSocketError, "send Flush", err)
	}
	_, body, err := c.receive(tagCloseComplete)
	if err != nil {
		return err
	}
	if err := body.Finish(); err != nil {
		return wrapError(ErrCodeSocketError, "CloseComplete", err)
	}
	if err := c.sync(); err != nil {
		return err
	}
	c.cursor = cursorState{kind: cursorClosed}
	return nil
}

// Close releases the prepared statement on the server. Errors are logged
// rather than returned: by the time an application is done with a
// Statement it usually has nothing useful to do with a failure here
// beyond leaking the server-side resource until the Connection closes.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.drainCursor(); err != nil {
		s.conn.log.Warn("drain cursor before closing statement", "statement", s.name, "error", err)
	}
	if err := sendCloseStatement(s.conn.conn, s.name); err != nil {
		s.conn.log.Warn("send Close(statement)", "statement", s.name, "error", err)
		return nil
	}
	if err := sendFlush(s.conn.conn); err != nil {
		s.conn.log.Warn("send Flush after Close(statement)", "statement", s.name, "error", err)
		return nil
	}
	_, body, err := s.conn.receive(tagCloseComplete)
	if err != nil {
		s.conn.log.Warn("close statement", "statement", s.name, "error", err)
		return nil
	}
	if err := body.Finish(); err != nil {
		s.conn.log.Warn("CloseComplete", "statement", s.name, "error", err)
		return nil
	}
	if err := s.conn.sync(); err != nil {
		s.conn.log.Warn("sync after Close(statement)", "statement", s.name, "error", err)
	}
	return nil
}

// BeginTransaction, CommitTransaction, and RollbackTransaction are
// literal SQL issued through the same Prepare/Execute path as any other
// statement; the protocol has no dedicated transaction-control messages.
func (c *Connection) BeginTransaction() error    { return c.execSimpleSQL("BEGIN") }
func (c *Connection) CommitTransaction() error   { return c.execSimpleSQL("COMMIT") }
func (c *Connection) RollbackTransaction() error { return c.execSimpleSQL("ROLLBACK") }

func (c *Connection) execSimpleSQL(sql string) error {
	stmt, err := c.Prepare(sql)
	if err != nil {
		return err
	}
	defer stmt.Close()
	cur, err := c.Execute(stmt, nil, false)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		_, ok, err := cur.NextRow()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	return nil
}

// sync sends Sync and waits for ReadyForQuery, committing whatever
// messages were sent since the last sync point and resetting the
// extended-query pipeline to a known-good state.
func (c *Connection) sync() error {
	if err := sendSync(c.conn); err != nil {
		return wrapError(ErrCodeSocketError, "send Sync", err)
	}
	return c.waitReadyForQuery()
}

func (c *Connection) waitReadyForQuery() error {
	for {
		tag, body, err := wire.ReadResponse(c.r)
		if err != nil {
			return wrapError(ErrCodeSocketError, "read ReadyForQuery", err)
		}
		switch tag {
		case tagNoticeResponse:
			if err := c.handleNoticeResponse(body); err != nil {
				return err
			}
		case tagParameterStatus:
			name, value, derr := readParameterStatus(body)
			if derr != nil {
				return wrapError(ErrCodeSocketError, "decode ParameterStatus", derr)
			}
			c.cfg.delegate().OnParameterStatus(name, value)
			if perr := checkParameterStatus(name, value); perr != nil {
				c.Close()
				return perr
			}
		case tagNotificationResponse:
			pid, channel, payload, derr := readNotificationResponse(body)
			if derr != nil {
				return wrapError(ErrCodeSocketError, "decode NotificationResponse", derr)
			}
			c.cfg.delegate().OnNotification(pid, channel, payload)
		case tagReadyForQuery:
			status, derr := readReadyForQuery(body)
			if derr != nil {
				return wrapError(ErrCodeSocketError, "decode ReadyForQuery", derr)
			}
			c.txStatus = status
			return body.Finish()
		default:
			// Resynchronizing after an error: discard anything else the
			// server sends until ReadyForQuery arrives.
			body.Discard()
		}
	}
}

// receive reads responses until one with a tag in expected arrives,
// handling NoticeResponse/ParameterStatus/NotificationResponse inline and
// converting ErrorResponse into a resynchronized SQL error.
func (c *Connection) receive(expected ...byte) (byte, *wire.Body, error) {
	for {
		tag, body, err := wire.ReadResponse(c.r)
		if err != nil {
			return 0, nil, wrapError(ErrCodeSocketError, "read response", err)
		}
		switch tag {
		case tagNoticeResponse:
			if err := c.handleNoticeResponse(body); err != nil {
				return 0, nil, err
			}
			continue
		case tagParameterStatus:
			name, value, derr := readParameterStatus(body)
			if derr != nil {
				return 0, nil, wrapError(ErrCodeSocketError, "decode ParameterStatus", derr)
			}
			c.cfg.delegate().OnParameterStatus(name, value)
			if perr := checkParameterStatus(name, value); perr != nil {
				c.Close()
				return 0, nil, perr
			}
			continue
		case tagNotificationResponse:
			pid, channel, payload, derr := readNotificationResponse(body)
			if derr != nil {
				return 0, nil, wrapError(ErrCodeSocketError, "decode NotificationResponse", derr)
			}
			c.cfg.delegate().OnNotification(pid, channel, payload)
			continue
		case tagErrorResponse:
			return 0, nil, c.resyncAfterError(body)
		default:
			for _, e := range expected {
				if tag == e {
					return tag, body, nil
				}
			}
			body.Discard()
			return 0, nil, newError(ErrCodeSocketError, fmt.Sprintf("unexpected message %q", tag))
		}
	}
}

// resyncAfterError converts one ErrorResponse into a SQL error, sending
// Sync and waiting for ReadyForQuery so the connection is usable again
// before the error is returned to the caller.
func (c *Connection) resyncAfterError(body *wire.Body) error {
	n, decodeErr := readErrorOrNotice(body)
	if err := sendSync(c.conn); err != nil {
		c.Close()
		return wrapError(ErrCodeSocketError, "send Sync after error", err)
	}
	if err := c.waitReadyForQuery(); err != nil {
		c.Close()
		return err
	}
	c.cursor = cursorState{kind: cursorClosed}
	if decodeErr != nil {
		return wrapError(ErrCodeSocketError, "decode ErrorResponse", decodeErr)
	}
	return sqlError(n)
}
