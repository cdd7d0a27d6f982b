package core

// SCARD_PROTOCOL_RAW as defined by winscard.h.
const rawProtocol uint32 = 0x00010000
