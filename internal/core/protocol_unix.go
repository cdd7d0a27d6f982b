//go:build !windows

package core

// SCARD_PROTOCOL_RAW as defined by pcsclite.
const rawProtocol uint32 = 0x00000004
