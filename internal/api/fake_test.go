package api

import (
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/SimplyPrint/apdu-shell/internal/core"
)

// fakeContext implements core.SmartCardContext with one card per reader.
type fakeContext struct {
	mu       sync.Mutex
	readers  []string
	cards    map[string]*fakeCard
	released int
}

type fakeCard struct {
	mu           sync.Mutex
	reader       string
	responses    map[string][]byte
	disconnected bool
}

func newFakeContext() *fakeContext {
	f := &fakeContext{
		readers: []string{"ACS ACR122U PICC Interface", "Yubico YubiKey OTP+FIDO+CCID"},
		cards:   make(map[string]*fakeCard),
	}
	for _, r := range f.readers {
		f.cards[r] = &fakeCard{
			reader: r,
			responses: map[string][]byte{
				"00a4040000": {0x90, 0x00},
				"ffca000000": {0x04, 0x42, 0x48, 0x8a, 0x90, 0x00},
			},
		}
	}
	return f
}

func (f *fakeContext) ListReaders() ([]string, error) {
	return f.readers, nil
}

func (f *fakeContext) Connect(reader string, shareMode uint32, protocol uint32) (core.SmartCard, error) {
	card, ok := f.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	return card, nil
}

func (f *fakeContext) Release() error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return nil
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	if rsp, ok := c.responses[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (c *fakeCard) Status() (core.SmartCardStatus, error) {
	return core.SmartCardStatus{
		Reader:         c.reader,
		ActiveProtocol: 2,
		Atr:            []byte{0x3B, 0x8F, 0x80, 0x01},
	}, nil
}

func (c *fakeCard) Disconnect(disposition uint32) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCard) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// useFakeContext installs a fake PC/SC context for the test.
func useFakeContext(t *testing.T) *fakeContext {
	t.Helper()
	fake := newFakeContext()
	ctx := core.NewContext(fake)
	SetContext(ctx)
	t.Cleanup(func() {
		SetContext(nil)
		ctx.Release()
	})
	return fake
}
