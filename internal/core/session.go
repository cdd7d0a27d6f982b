package core

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/ebfe/scard"
)

// DefaultMaxResponseLen is the response buffer size used when the caller
// does not ask for one.
const DefaultMaxResponseLen = 256

// ShareMode controls whether other processes may use the reader while a
// session is open.
type ShareMode int

const (
	ShareAuto ShareMode = iota
	ShareExclusive
	ShareShared
	ShareDirect
)

func (m ShareMode) String() string {
	switch m {
	case ShareExclusive:
		return "exclusive"
	case ShareShared:
		return "shared"
	case ShareDirect:
		return "direct"
	}
	return "auto"
}

// ParseShareMode accepts exclusive, shared, direct and auto.
func ParseShareMode(s string) (ShareMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exclusive":
		return ShareExclusive, nil
	case "shared":
		return ShareShared, nil
	case "direct":
		return ShareDirect, nil
	case "auto", "":
		return ShareAuto, nil
	}
	return ShareAuto, fmt.Errorf("unknown share mode %q", s)
}

func (m ShareMode) pcsc() uint32 {
	switch m {
	case ShareExclusive:
		return uint32(scard.ShareExclusive)
	case ShareDirect:
		return uint32(scard.ShareDirect)
	}
	return uint32(scard.ShareShared)
}

// Protocol is the transmission protocol requested from the card. Auto lets
// the subsystem negotiate T=0 or T=1.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolT0
	ProtocolT1
	ProtocolRaw
)

func (p Protocol) String() string {
	switch p {
	case ProtocolT0:
		return "t0"
	case ProtocolT1:
		return "t1"
	case ProtocolRaw:
		return "raw"
	}
	return "auto"
}

// ParseProtocol accepts t0, t1, raw and auto ("t=0" and "t=1" too).
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "=", "")) {
	case "t0":
		return ProtocolT0, nil
	case "t1":
		return ProtocolT1, nil
	case "raw":
		return ProtocolRaw, nil
	case "auto", "any", "":
		return ProtocolAuto, nil
	}
	return ProtocolAuto, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) pcsc() uint32 {
	switch p {
	case ProtocolT0:
		return uint32(scard.ProtocolT0)
	case ProtocolT1:
		return uint32(scard.ProtocolT1)
	case ProtocolRaw:
		return rawProtocol
	}
	return uint32(scard.ProtocolAny)
}

func protocolFromPCSC(v uint32) Protocol {
	switch v {
	case uint32(scard.ProtocolT0):
		return ProtocolT0
	case uint32(scard.ProtocolT1):
		return ProtocolT1
	case rawProtocol:
		return ProtocolRaw
	}
	return ProtocolAuto
}

// CardStatus describes the card behind a session.
type CardStatus struct {
	Reader         string   `json:"reader"`
	ActiveProtocol Protocol `json:"-"`
	Protocol       string   `json:"protocol"`
	ATR            string   `json:"atr"`
	Card           string   `json:"card,omitempty"` // from storage card ATRs only
}

// Session is an open connection to the card in one reader. It holds a
// reference to its Context until Close.
type Session struct {
	mu       sync.Mutex
	ctx      *Context
	card     SmartCard
	reader   Reader
	mode     ShareMode
	protocol Protocol
	closed   bool
}

// Connect opens a session to the card in reader.
func Connect(ctx *Context, reader Reader, mode ShareMode, protocol Protocol) (*Session, error) {
	sc, err := ctx.acquire()
	if err != nil {
		return nil, err
	}

	card, err := sc.Connect(reader.Name, mode.pcsc(), protocol.pcsc())
	if err != nil {
		logging.Warn(logging.CatSession, "Connect failed", map[string]any{
			"reader": reader.Name,
			"error":  err.Error(),
		})
		if relErr := ctx.release(); relErr != nil {
			logging.Warn(logging.CatSession, "Releasing context failed", map[string]any{
				"reader": reader.Name,
				"error":  relErr.Error(),
			})
		}
		return nil, newConnectError(reader.Name, err)
	}

	logging.Info(logging.CatSession, "Connected", map[string]any{
		"reader":    reader.Name,
		"shareMode": mode.String(),
		"protocol":  protocol.String(),
	})

	return &Session{
		ctx:      ctx,
		card:     card,
		reader:   reader,
		mode:     mode,
		protocol: protocol,
	}, nil
}

// Reader returns the reader the session is connected through.
func (s *Session) Reader() Reader {
	return s.reader
}

// Send transmits cmd verbatim and waits for the reply. Responses longer
// than maxResponseLen are rejected with ErrBufferTooSmall; a non-positive
// maxResponseLen means DefaultMaxResponseLen. No retries.
func (s *Session) Send(cmd []byte, maxResponseLen int) ([]byte, error) {
	if maxResponseLen <= 0 {
		maxResponseLen = DefaultMaxResponseLen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &Error{
			Code:    ErrCodeSessionClosed,
			Op:      "transmit",
			Reader:  s.reader.Name,
			Message: "session closed",
		}
	}

	logging.Debug(logging.CatAPDU, "Transmit", map[string]any{
		"reader":  s.reader.Name,
		"command": hex.EncodeToString(cmd),
	})

	rsp, err := s.card.Transmit(cmd)
	if err != nil {
		terr := newTransmitError(s.reader.Name, err)
		logging.Warn(logging.CatAPDU, "Transmit failed", map[string]any{
			"reader": s.reader.Name,
			"error":  terr.Error(),
			"status": fmt.Sprintf("0x%08X", terr.Status),
		})
		return nil, terr
	}

	if len(rsp) > maxResponseLen {
		return nil, &Error{
			Code:    ErrCodeBufferTooSmall,
			Op:      "transmit",
			Reader:  s.reader.Name,
			Message: fmt.Sprintf("response of %d bytes exceeds buffer of %d", len(rsp), maxResponseLen),
		}
	}

	fields := map[string]any{
		"reader":   s.reader.Name,
		"response": hex.EncodeToString(rsp),
	}
	if r, ok := ParseResponse(rsp); ok {
		fields["sw"] = fmt.Sprintf("%04X", r.StatusWord())
		fields["meaning"] = r.Describe()
	}
	logging.Debug(logging.CatAPDU, "Received", fields)

	return rsp, nil
}

// Status reports the reader, negotiated protocol and ATR.
func (s *Session) Status() (CardStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CardStatus{}, &Error{
			Code:    ErrCodeSessionClosed,
			Op:      "status",
			Reader:  s.reader.Name,
			Message: "session closed",
		}
	}

	st, err := s.card.Status()
	if err != nil {
		return CardStatus{}, newTransmitError(s.reader.Name, err)
	}
	logging.Debug(logging.CatSession, "Card status", map[string]any{
		"reader":   st.Reader,
		"state":    fmt.Sprintf("0x%X", st.State),
		"protocol": st.ActiveProtocol,
		"atr":      hex.EncodeToString(st.Atr),
	})

	reader := st.Reader
	if reader == "" {
		reader = s.reader.Name
	}
	active := protocolFromPCSC(st.ActiveProtocol)
	status := CardStatus{
		Reader:         reader,
		ActiveProtocol: active,
		Protocol:       active.String(),
		ATR:            strings.ToUpper(hex.EncodeToString(st.Atr)),
	}
	if info, ok := IdentifyCard(st.Atr); ok {
		status.Card = info.String()
	}
	return status, nil
}

// Close disconnects the card and drops the session's context reference.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.card.Disconnect(uint32(scard.LeaveCard))
	if err != nil {
		logging.Warn(logging.CatSession, "Disconnect failed", map[string]any{
			"reader": s.reader.Name,
			"error":  err.Error(),
		})
	} else {
		logging.Info(logging.CatSession, "Disconnected", map[string]any{
			"reader": s.reader.Name,
		})
	}

	if relErr := s.ctx.release(); err == nil {
		err = relErr
	}
	return err
}
