package pgwire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"net"
	"strings"
	"testing"

	"github.com/dbbouncer/pgwire/internal/wire"
	"golang.org/x/crypto/pbkdf2"
)

func newTestReader(conn net.Conn) *wire.Reader { return wire.NewReader(conn) }

func testConnectConfig(cred Credential) Config {
	return Config{
		Host:       "unused",
		Port:       0,
		Database:   "testdb",
		User:       "tester",
		Credential: cred,
	}
}

func dialPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	return net.Pipe()
}

func readStartupMessage(t *testing.T, conn net.Conn) {
	t.Helper()
	var lenBuf [4]byte
	if _, err := readFullTest(conn, lenBuf[:]); err != nil {
		t.Fatalf("read startup length: %v", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	rest := make([]byte, length-4)
	if _, err := readFullTest(conn, rest); err != nil {
		t.Fatalf("read startup body: %v", err)
	}
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeTestMsg(conn net.Conn, tag byte, body []byte) {
	out := make([]byte, 0, 5+len(body))
	out = append(out, tag)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)+4))
	out = append(out, lenBuf...)
	out = append(out, body...)
	conn.Write(out)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func readyForQuerySequence(conn net.Conn) {
	writeTestMsg(conn, 'S', append(append([]byte("client_encoding"), 0), append([]byte("UTF8"), 0)...))
	bkd := append(u32(4321), u32(8765)...)
	writeTestMsg(conn, 'K', bkd)
	writeTestMsg(conn, 'Z', []byte{'I'})
}

func readPasswordMessage(t *testing.T, conn net.Conn) string {
	t.Helper()
	tagBuf := make([]byte, 1)
	if _, err := readFullTest(conn, tagBuf); err != nil {
		t.Fatalf("read password tag: %v", err)
	}
	if tagBuf[0] != 'p' {
		t.Fatalf("expected password message 'p', got %q", tagBuf[0])
	}
	var lenBuf [4]byte
	readFullTest(conn, lenBuf[:])
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length-4)
	readFullTest(conn, body)
	return strings.TrimRight(string(body), "\x00")
}

func TestConnectTrustAuthentication(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		readStartupMessage(t, server)
		writeTestMsg(server, 'R', u32(0))
		readyForQuerySequence(server)
	}()

	go func() {
		c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(TrustCredential())}
		done <- c.startup()
	}()

	if err := <-done; err != nil {
		t.Fatalf("startup: %v", err)
	}
}

func TestConnectCleartextAuthentication(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() {
		readStartupMessage(t, server)
		writeTestMsg(server, 'R', u32(3)) // AuthenticationCleartextPassword
		pw := readPasswordMessage(t, server)
		if pw != "s3cret" {
			serverErr <- errUnexpected("wrong cleartext password: " + pw)
			return
		}
		writeTestMsg(server, 'R', u32(0))
		readyForQuerySequence(server)
		serverErr <- nil
	}()

	c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(CleartextCredential("s3cret"))}
	if err := c.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestConnectMD5Authentication(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	salt := [4]byte{1, 2, 3, 4}
	want := md5Hash("s3cret", "tester", salt)

	serverErr := make(chan error, 1)
	go func() {
		readStartupMessage(t, server)
		writeTestMsg(server, 'R', append(u32(5), salt[:]...)) // AuthenticationMD5Password
		pw := readPasswordMessage(t, server)
		if pw != want {
			serverErr <- errUnexpected("wrong md5 hash: got " + pw + " want " + want)
			return
		}
		writeTestMsg(server, 'R', u32(0))
		readyForQuerySequence(server)
		serverErr <- nil
	}()

	c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(MD5Credential("s3cret"))}
	if err := c.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

// mockSCRAMServer performs the server side of a full SCRAM-SHA-256
// exchange, verifying the client's proof against the configured password
// and replying with AuthenticationSASLFinal and AuthenticationOk on
// success, or an ErrorResponse on a proof mismatch.
func mockSCRAMServer(t *testing.T, conn net.Conn, password string) error {
	t.Helper()
	readStartupMessage(t, conn)

	mechList := append([]byte(scramMechanismName), 0, 0)
	writeTestMsg(conn, 'R', append(u32(10), mechList...)) // AuthenticationSASL

	tagBuf := make([]byte, 1)
	readFullTest(conn, tagBuf)
	if tagBuf[0] != 'p' {
		return errUnexpected("expected initial SASL response")
	}
	var lenBuf [4]byte
	readFullTest(conn, lenBuf[:])
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:])-4)
	readFullTest(conn, body)

	nullIdx := strings.IndexByte(string(body), 0)
	mechanism := string(body[:nullIdx])
	if mechanism != scramMechanismName {
		return errUnexpected("unexpected mechanism " + mechanism)
	}
	respLen := binary.BigEndian.Uint32(body[nullIdx+1 : nullIdx+5])
	clientFirst := string(body[nullIdx+5 : nullIdx+5+int(respLen)])
	clientFirstBare := clientFirst[3:] // strip "n,,"

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "server-extra-nonce"
	salt := []byte("0123456789abcdef")
	iterations := 4096
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	serverFirst := "r=" + serverNonce + ",s=" + saltB64 + ",i=" + itoa(iterations)
	writeTestMsg(conn, 'R', append(u32(11), []byte(serverFirst)...)) // AuthenticationSASLContinue

	readFullTest(conn, tagBuf)
	if tagBuf[0] != 'p' {
		return errUnexpected("expected SASL response")
	}
	readFullTest(conn, lenBuf[:])
	clientFinal := make([]byte, binary.BigEndian.Uint32(lenBuf[:])-4)
	readFullTest(conn, clientFinal)
	clientFinalStr := string(clientFinal)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := channelBinding + ",r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256Test(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256Test(storedKey[:], []byte(authMessage))
	expectedProof := xorBytesTest(clientKey, clientSignature)
	expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.Contains(clientFinalStr, "p="+expectedProofB64) {
		errPayload := append(append([]byte{'S'}, []byte("FATAL\x00")...), append([]byte("Mauthentication failed"), 0, 0)...)
		writeTestMsg(conn, 'E', errPayload)
		return errUnexpected("client proof mismatch")
	}

	serverKey := hmacSHA256Test(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256Test(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)
	writeTestMsg(conn, 'R', append(u32(12), []byte(serverFinal)...)) // AuthenticationSASLFinal

	writeTestMsg(conn, 'R', u32(0)) // AuthenticationOk
	readyForQuerySequence(conn)
	return nil
}

func TestConnectSCRAMSHA256Authentication(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() { serverErr <- mockSCRAMServer(t, server, "s3cret") }()

	c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(SCRAMSHA256Credential("s3cret"))}
	if err := c.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestConnectSCRAMSHA256WrongPassword(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() { serverErr <- mockSCRAMServer(t, server, "correct-password") }()

	c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(SCRAMSHA256Credential("wrong-password"))}
	if err := c.startup(); err == nil {
		t.Fatal("expected startup to fail with the wrong password")
	}
	<-serverErr
}

func TestConnectCredentialMismatchFailsFast(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Close()
	defer server.Close()

	go func() {
		readStartupMessage(t, server)
		writeTestMsg(server, 'R', append(u32(5), 1, 2, 3, 4)) // server wants MD5 (with its 4-byte salt)
	}()

	c := &Connection{conn: client, r: newTestReader(client), cfg: testConnectConfig(TrustCredential())}
	err := c.startup()
	if !IsCode(err, ErrCodeMD5PasswordRequired) {
		t.Fatalf("expected md5-password-required, got %v", err)
	}
}

func hmacSHA256Test(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytesTest(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type unexpectedErr string

func (e unexpectedErr) Error() string { return string(e) }

func errUnexpected(msg string) error { return unexpectedErr(msg) }
