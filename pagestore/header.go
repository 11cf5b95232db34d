package pagestore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/Felmond13/manifold/errs"
)

// superHeaderSize is the fixed size of page 0 of every CF's own virtual
// file: a tag byte selecting the active transaction slot, followed by two
// slots so a crash mid-write to one slot never corrupts the other. 512
// bytes leaves generous room even though the encoded content is far
// smaller, reserving a whole page for metadata that never has to share it.
const superHeaderSize = 512

const slotMagic uint32 = 0x4d414e31 // "MAN1"

const slotSize = 4 + rootRefSize + rootRefSize + 8 + 4 // magic + 2 roots + txnID + crc32

func encodeSlot(h Header) []byte {
	buf := make([]byte, slotSize)
	binary.LittleEndian.PutUint32(buf[0:], slotMagic)
	h.UserRoot.encode(buf[4:])
	h.SystemRoot.encode(buf[4+rootRefSize:])
	binary.LittleEndian.PutUint64(buf[4+2*rootRefSize:], h.TxnID)
	crc := crc32.ChecksumIEEE(buf[:4+2*rootRefSize+8])
	binary.LittleEndian.PutUint32(buf[4+2*rootRefSize+8:], crc)
	return buf
}

func decodeSlot(buf []byte) (Header, error) {
	if len(buf) < slotSize {
		return Header{}, errs.New(errs.Corruption, "page-store slot truncated")
	}
	if binary.LittleEndian.Uint32(buf[0:]) != slotMagic {
		return Header{}, errs.New(errs.Corruption, "page-store slot bad magic")
	}
	storedCRC := binary.LittleEndian.Uint32(buf[4+2*rootRefSize+8:])
	computed := crc32.ChecksumIEEE(buf[:4+2*rootRefSize+8])
	if storedCRC != computed {
		return Header{}, errs.New(errs.Corruption, "page-store slot CRC mismatch")
	}
	h := Header{
		UserRoot:   decodeRootRef(buf[4:]),
		SystemRoot: decodeRootRef(buf[4+rootRefSize:]),
		TxnID:      binary.LittleEndian.Uint64(buf[4+2*rootRefSize:]),
	}
	return h, nil
}

// encodeSuperHeader serializes god plus both slots into one superHeaderSize
// page, writing the same header into both slots (used only at creation,
// before either slot has ever diverged).
func encodeSuperHeader(god byte, h Header) []byte {
	buf := make([]byte, superHeaderSize)
	buf[0] = god
	slot := encodeSlot(h)
	copy(buf[8:], slot)
	copy(buf[8+slotSize:], slot)
	return buf
}

// decodeSuperHeader reads the god byte and returns the header from the
// active slot. If the active slot is corrupt, it falls back to the other
// slot — the dual-slot design exists precisely so a crash mid-write to the
// about-to-become-active slot still leaves the previously-active one intact.
func decodeSuperHeader(buf []byte) (god byte, h Header, err error) {
	if len(buf) != superHeaderSize {
		return 0, Header{}, errs.Newf(errs.Corruption, "page-store super-header must be %d bytes, got %d", superHeaderSize, len(buf))
	}
	god = buf[0]
	if god > 1 {
		return 0, Header{}, errs.Newf(errs.Corruption, "page-store god byte out of range: %d", god)
	}
	slots := [2][]byte{buf[8 : 8+slotSize], buf[8+slotSize : 8+2*slotSize]}
	h, err = decodeSlot(slots[god])
	if err == nil {
		return god, h, nil
	}
	other := 1 - god
	h, err2 := decodeSlot(slots[other])
	if err2 != nil {
		return 0, Header{}, errs.Wrap(errs.Corruption, "both page-store header slots corrupt", err)
	}
	return other, h, nil
}
