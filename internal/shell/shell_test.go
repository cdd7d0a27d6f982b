package shell

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/SimplyPrint/apdu-shell/internal/core"
)

type stubTransmitter struct {
	sent    [][]byte
	maxLens []int
	rsp     []byte
	err     error
}

func (s *stubTransmitter) Send(cmd []byte, maxResponseLen int) ([]byte, error) {
	s.sent = append(s.sent, cmd)
	s.maxLens = append(s.maxLens, maxResponseLen)
	if s.err != nil {
		return nil, s.err
	}
	return s.rsp, nil
}

type statusTransmitter struct {
	stubTransmitter
	status core.CardStatus
}

func (s *statusTransmitter) Status() (core.CardStatus, error) {
	return s.status, nil
}

func newShell(input string, tx Transmitter) (*Shell, *bytes.Buffer) {
	var out bytes.Buffer
	return New(strings.NewReader(input), &out, tx), &out
}

func TestStep_SelectCommand(t *testing.T) {
	tx := &stubTransmitter{rsp: []byte{0x90, 0x00}}
	sh, out := newShell("", tx)

	if got := sh.Step("00 A4 04 00 00"); got != Reading {
		t.Fatalf("state = %v, want reading", got)
	}
	if len(tx.sent) != 1 || !bytes.Equal(tx.sent[0], []byte{0x00, 0xA4, 0x04, 0x00, 0x00}) {
		t.Fatalf("sent % X", tx.sent)
	}
	want := "CMD: [00, A4, 04, 00, 00]\nRES: [90, 00]\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestStep_Quit(t *testing.T) {
	for _, line := range []string{"quit", "  QUIT \n", "Quit"} {
		tx := &stubTransmitter{}
		sh, out := newShell("", tx)
		if got := sh.Step(line); got != Terminated {
			t.Errorf("Step(%q) = %v, want terminated", line, got)
		}
		if len(tx.sent) != 0 || out.Len() != 0 {
			t.Errorf("Step(%q) touched the session or printed %q", line, out.String())
		}
	}
}

func TestStep_OddLength(t *testing.T) {
	tx := &stubTransmitter{}
	sh, out := newShell("", tx)

	if got := sh.Step("1"); got != Reading {
		t.Fatalf("state = %v, want reading", got)
	}
	if len(tx.sent) != 0 {
		t.Error("invalid input reached the session")
	}
	if !strings.HasPrefix(out.String(), "ERR: odd number of hex digits") || !strings.HasSuffix(out.String(), ".\n") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStep_InvalidDigit(t *testing.T) {
	tx := &stubTransmitter{}
	sh, out := newShell("", tx)

	sh.Step("00 G4")
	if len(tx.sent) != 0 {
		t.Error("invalid input reached the session")
	}
	if !strings.Contains(out.String(), `ERR: invalid hex digit "G4" at offset 2.`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestStep_EmptyAndHelp(t *testing.T) {
	tx := &stubTransmitter{}
	sh, out := newShell("", tx)

	if sh.Step("   \t") != Reading || out.Len() != 0 {
		t.Errorf("blank line printed %q", out.String())
	}
	if sh.Step("help") != Reading {
		t.Error("help should stay reading")
	}
	if !strings.Contains(out.String(), "quit") {
		t.Errorf("usage missing: %q", out.String())
	}
	if len(tx.sent) != 0 {
		t.Error("help reached the session")
	}
}

func TestStep_TransmitError(t *testing.T) {
	tx := &stubTransmitter{err: core.ErrCardRemoved}
	sh, out := newShell("", tx)

	if got := sh.Step("00B0000000"); got != Reading {
		t.Fatalf("state = %v, want reading", got)
	}
	want := "CMD: [00, B0, 00, 00, 00]\nERR: card removed.\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestStep_MaxResponseLen(t *testing.T) {
	tx := &stubTransmitter{rsp: []byte{0x90, 0x00}}
	sh, _ := newShell("", tx)
	sh.MaxResponseLen = 512
	sh.Step("00")
	if tx.maxLens[0] != 512 {
		t.Errorf("maxResponseLen = %d, want 512", tx.maxLens[0])
	}
}

func TestStep_Status(t *testing.T) {
	tx := &statusTransmitter{status: core.CardStatus{Reader: "ACR122U", Protocol: "t1", ATR: "3B80"}}
	sh, out := newShell("", tx)
	sh.Step("status")
	if !strings.Contains(out.String(), "ATR:      3B80") || !strings.Contains(out.String(), "Protocol: t1") {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "Card:") {
		t.Errorf("card line printed for unknown card: %q", out.String())
	}

	tx.status.Card = "MIFARE Classic 1K (ISO 14443-3A)"
	sh, out = newShell("", tx)
	sh.Step("STATUS")
	if !strings.HasSuffix(out.String(), "Card:     MIFARE Classic 1K (ISO 14443-3A)\n") {
		t.Errorf("output = %q", out.String())
	}

	plain, out := newShell("", &stubTransmitter{})
	plain.Step("status")
	if !strings.HasPrefix(out.String(), "ERR: ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStep_StatusVerbose(t *testing.T) {
	tx := &statusTransmitter{status: core.CardStatus{
		Reader:         "ACR122U",
		ActiveProtocol: core.ProtocolT1,
		Protocol:       "t1",
		ATR:            "3B80",
	}}
	sh, out := newShell("", tx)

	if got := sh.Step("  Status -V "); got != Reading {
		t.Fatalf("state = %v, want reading", got)
	}
	for _, want := range []string{"CardStatus{", "Reader:", `"ACR122U"`, "ActiveProtocol:", `"3B80"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("dump missing %q: %q", want, out.String())
		}
	}
	if strings.HasPrefix(out.String(), "ERR") || strings.Contains(out.String(), "CMD:") {
		t.Errorf("status -v treated as hex: %q", out.String())
	}
}

func TestRun_Session(t *testing.T) {
	tx := &stubTransmitter{rsp: []byte{0x90, 0x00}}
	sh, out := newShell("1\n\n00 A4 04 00 00\nquit\n00\n", tx)

	if err := sh.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(tx.sent) != 1 {
		t.Errorf("sent %d commands, want 1 (nothing after quit)", len(tx.sent))
	}
	if n := strings.Count(out.String(), Prompt); n != 4 {
		t.Errorf("prompted %d times, want 4: %q", n, out.String())
	}
	if !strings.Contains(out.String(), "RES: [90, 00]") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_EOF(t *testing.T) {
	tx := &stubTransmitter{rsp: []byte{0x90, 0x00}}
	sh, out := newShell("00A4040000", tx)

	if err := sh.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(tx.sent) != 1 {
		t.Errorf("final unterminated line not processed")
	}
	if strings.Count(out.String(), Prompt) != 1 || !strings.HasSuffix(out.String(), "RES: [90, 00]\n") {
		t.Errorf("output = %q", out.String())
	}

	empty, out := newShell("", tx)
	if err := empty.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != Prompt+"\n" {
		t.Errorf("output = %q", out.String())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestRun_ReadError(t *testing.T) {
	var out bytes.Buffer
	sh := New(failingReader{}, &out, &stubTransmitter{})
	if err := sh.Run(); err == nil || err.Error() != "tty gone" {
		t.Errorf("Run = %v, want read error", err)
	}
}
