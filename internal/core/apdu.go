package core

import "fmt"

// Response splits a raw APDU response into data and status word.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// ParseResponse returns false if raw is too short to carry a status word.
func ParseResponse(raw []byte) (Response, bool) {
	if len(raw) < 2 {
		return Response{}, false
	}
	return Response{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, true
}

// StatusWord returns SW1SW2 as one value.
func (r Response) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports SW 9000.
func (r Response) IsSuccess() bool {
	return r.SW1 == 0x90 && r.SW2 == 0x00
}

// Describe gives a short ISO 7816-4 reading of the status word.
func (r Response) Describe() string {
	switch r.SW1 {
	case 0x90:
		if r.SW2 == 0x00 {
			return "success"
		}
	case 0x61:
		return fmt.Sprintf("%d more bytes available", r.SW2)
	case 0x62, 0x63:
		return "warning"
	case 0x64, 0x65:
		return "execution error"
	case 0x67:
		return "wrong length"
	case 0x69:
		switch r.SW2 {
		case 0x82:
			return "security status not satisfied"
		case 0x85:
			return "conditions of use not satisfied"
		}
		return "command not allowed"
	case 0x6A:
		switch r.SW2 {
		case 0x81:
			return "function not supported"
		case 0x82:
			return "file or application not found"
		case 0x86:
			return "incorrect P1 P2"
		}
		return "wrong parameters"
	case 0x6C:
		return fmt.Sprintf("wrong Le, expected %d", r.SW2)
	case 0x6D:
		return "instruction not supported"
	case 0x6E:
		return "class not supported"
	case 0x6F:
		return "no precise diagnosis"
	}
	return "unknown"
}
