package core

import (
	"encoding/hex"
	"errors"
	"sync"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	listErr     error
	connectErr  error
	releaseErr  error
	onConnect   func()
	released    int
	lastMode    uint32
	lastProto   uint32
	connections int
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	protocol     uint32
	responses    map[string][]byte // command hex -> response
	transmitErr  error
	sent         [][]byte
	disconnected bool
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"Gemalto PC Twin Reader",
			"Yubico YubiKey OTP+FIDO+CCID",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithListError makes ListReaders fail
func (m *MockSmartCardContext) WithListError(err error) *MockSmartCardContext {
	m.listErr = err
	return m
}

// WithConnectError makes Connect fail
func (m *MockSmartCardContext) WithConnectError(err error) *MockSmartCardContext {
	m.connectErr = err
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	if m.onConnect != nil {
		m.onConnect()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMode = shareMode
	m.lastProto = protocol
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	m.connections++
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	return m.releaseErr
}

func (m *MockSmartCardContext) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// mockFactory hands out a fixed context
type mockFactory struct {
	ctx SmartCardContext
	err error
}

func (f mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// NewMockCard creates a mock card answering SELECT and GET UID
func NewMockCard() *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
		protocol:  1,
	}
	card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
	card.responses["00a4040000"] = []byte{0x90, 0x00}
	card.responses["ffca000000"] = []byte{0x04, 0x42, 0x48, 0x8a, 0x83, 0x72, 0x80, 0x90, 0x00}
	return card
}

// WithResponse registers the reply for a command
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.responses[cmdHex] = rsp
	return m
}

// WithTransmitError makes every Transmit fail
func (m *MockSmartCard) WithTransmitError(err error) *MockSmartCard {
	m.transmitErr = err
	return m
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, append([]byte(nil), cmd...))
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if rsp, ok := m.responses[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	return SmartCardStatus{
		Reader:         "ACS ACR122U PICC Interface",
		State:          0x34,
		ActiveProtocol: m.protocol,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	m.disconnected = true
	m.mu.Unlock()
	return nil
}
