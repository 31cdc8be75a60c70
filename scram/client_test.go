package scram

import "testing"

// TestRFC7677Vector reproduces the worked example from RFC 7677 section
// 3.
func TestRFC7677Vector(t *testing.T) {
	const (
		user           = "user"
		password       = "pencil"
		clientNonce    = "rOprNGfwEbeRWgbNEkqO"
		serverFirst    = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
		wantFirst      = "n,,n=user,r=rOprNGfwEbeRWgbNEkqO"
		wantClientFirstBare = "n=user,r=rOprNGfwEbeRWgbNEkqO"
		wantProof      = "dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
	)

	c, err := NewClientWithNonce(user, password, clientNonce)
	if err != nil {
		t.Fatalf("NewClientWithNonce: %v", err)
	}

	first, err := c.ClientFirstMessage()
	if err != nil {
		t.Fatalf("ClientFirstMessage: %v", err)
	}
	if first != wantFirst {
		t.Fatalf("client-first-message = %q, want %q", first, wantFirst)
	}
	if c.clientFirstBare != wantClientFirstBare {
		t.Fatalf("clientFirstBare = %q, want %q", c.clientFirstBare, wantClientFirstBare)
	}

	if err := c.ReceiveServerFirst(serverFirst); err != nil {
		t.Fatalf("ReceiveServerFirst: %v", err)
	}

	final, err := c.ClientFinalMessage()
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}

	idx := indexOf(final, ",p=")
	if idx < 0 {
		t.Fatalf("client-final-message %q missing proof field", final)
	}
	proof := final[idx+len(",p="):]
	if proof != wantProof {
		t.Fatalf("client-proof = %q, want %q", proof, wantProof)
	}
}

func TestServerFirstNonceMismatch(t *testing.T) {
	c, err := NewClientWithNonce("user", "pencil", "rOprNGfwEbeRWgbNEkqO")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ClientFirstMessage(); err != nil {
		t.Fatal(err)
	}
	err = c.ReceiveServerFirst("r=totallydifferentnonce,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096")
	if !IsMalformedServerMessage(err) {
		t.Fatalf("expected malformed server message error, got %v", err)
	}
}

func TestServerFirstZeroIterations(t *testing.T) {
	c, _ := NewClientWithNonce("user", "pencil", "abc")
	c.ClientFirstMessage()
	err := c.ReceiveServerFirst("r=abcserver,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=0")
	if !IsMalformedServerMessage(err) {
		t.Fatalf("expected malformed server message error for zero iterations, got %v", err)
	}
}

func TestServerFinalSignatureMismatch(t *testing.T) {
	c, _ := NewClientWithNonce("user", "pencil", "rOprNGfwEbeRWgbNEkqO")
	c.ClientFirstMessage()
	if err := c.ReceiveServerFirst("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ClientFinalMessage(); err != nil {
		t.Fatal(err)
	}
	err := c.ReceiveServerFinal("v=bm90dGhlcmlnaHRzaWduYXR1cmU=")
	if !IsIncorrectServerVerifier(err) {
		t.Fatalf("expected incorrect server verifier error, got %v", err)
	}
}

func TestOutOfOrderCalls(t *testing.T) {
	c, _ := NewClientWithNonce("user", "pencil", "abc")
	if err := c.ReceiveServerFirst("r=x,s=eA==,i=1"); err == nil {
		t.Fatal("expected error calling ReceiveServerFirst before ClientFirstMessage")
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
