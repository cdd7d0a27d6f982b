package core

import (
	"bytes"
	"fmt"
	"math/bits"
)

// pcscRID is the registered application provider of PC/SC part 3, used in
// the ATR readers build for contactless storage cards.
var pcscRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

var cardStandards = map[byte]string{
	0x01: "ISO 14443-1A",
	0x02: "ISO 14443-2A",
	0x03: "ISO 14443-3A",
	0x05: "ISO 14443-1B",
	0x06: "ISO 14443-2B",
	0x07: "ISO 14443-3B",
	0x09: "ISO 15693-1",
	0x0A: "ISO 15693-2",
	0x0B: "ISO 15693-3",
	0x0C: "ISO 15693-4",
	0x11: "FeliCa",
}

var cardNames = map[uint16]string{
	0x0001: "MIFARE Classic 1K",
	0x0002: "MIFARE Classic 4K",
	0x0003: "MIFARE Ultralight",
	0x0026: "MIFARE Mini",
	0x0030: "Topaz/Jewel",
	0x003A: "MIFARE Ultralight C",
	0x003B: "FeliCa",
}

// CardInfo is what a storage card ATR says about the card.
type CardInfo struct {
	Standard string // e.g. "ISO 14443-3A"
	Name     string // empty when the card name code is not known
	Code     uint16 // card name code from the ATR
}

func (c CardInfo) String() string {
	name := c.Name
	if name == "" {
		name = fmt.Sprintf("card 0x%04X", c.Code)
	}
	if c.Standard == "" {
		return name
	}
	return name + " (" + c.Standard + ")"
}

// IdentifyCard decodes the storage card ATR that contactless readers
// synthesize (PC/SC part 3). It reports false for any other ATR; the card is
// never contacted.
func IdentifyCard(atr []byte) (CardInfo, bool) {
	h, ok := historicalBytes(atr)
	// 80 4F 0C <RID> <SS> <C0 C1> 00 00 00 00
	if !ok || len(h) < 11 || h[0] != 0x80 || h[1] != 0x4F || h[2] < 8 {
		return CardInfo{}, false
	}
	if !bytes.Equal(h[3:8], pcscRID) {
		return CardInfo{}, false
	}

	code := uint16(h[9])<<8 | uint16(h[10])
	return CardInfo{
		Standard: cardStandards[h[8]],
		Name:     cardNames[code],
		Code:     code,
	}, true
}

// historicalBytes walks the interface bytes of an ATR and returns the
// historical bytes that follow them.
func historicalBytes(atr []byte) ([]byte, bool) {
	if len(atr) < 2 {
		return nil, false
	}
	k := int(atr[1] & 0x0F)
	y := atr[1] >> 4
	p := 2
	for {
		n := bits.OnesCount8(y)
		if p+n > len(atr) {
			return nil, false
		}
		if y&0x8 == 0 {
			p += n
			break
		}
		td := atr[p+n-1]
		p += n
		y = td >> 4
	}
	if p+k > len(atr) {
		return nil, false
	}
	return atr[p : p+k], true
}
