package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/Felmond13/manifold/errs"
	"github.com/Felmond13/manifold/pagestore"
)

// Entry is one committed transaction as recorded in the shared WAL: which
// column family it belongs to (the WAL is shared across every CF in the
// database), plus the page-store payload needed to replay the commit
// without re-running any B-tree logic.
type Entry struct {
	Seq     uint64
	CF      string
	Payload pagestore.Payload
}

func encodeRootRefOpt(buf []byte, r *pagestore.RootRef) []byte {
	if r == nil {
		return append(buf, 0)
	}
	out := append(buf, 1)
	tmp := make([]byte, rootRefWireSize)
	putRootRef(tmp, *r)
	return append(out, tmp...)
}

const rootRefWireSize = 4 + 8 + 8 // pageNumber + checksum + txnID

func putRootRef(buf []byte, r pagestore.RootRef) {
	binary.LittleEndian.PutUint32(buf[0:], r.PageNumber)
	binary.LittleEndian.PutUint64(buf[4:], r.Checksum)
	binary.LittleEndian.PutUint64(buf[12:], r.TxnID)
}

func getRootRef(buf []byte) pagestore.RootRef {
	return pagestore.RootRef{
		PageNumber: binary.LittleEndian.Uint32(buf[0:]),
		Checksum:   binary.LittleEndian.Uint64(buf[4:]),
		TxnID:      binary.LittleEndian.Uint64(buf[12:]),
	}
}

func encodeUint32List(nums []uint32) []byte {
	raw := make([]byte, 4*len(nums))
	for i, n := range nums {
		binary.LittleEndian.PutUint32(raw[i*4:], n)
	}
	return s2.Encode(nil, raw)
}

func decodeUint32List(compressed []byte, count int) ([]uint32, error) {
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, "wal: decompress page list", err)
	}
	if len(raw) != 4*count {
		return nil, errs.Newf(errs.Corruption, "wal: page list length mismatch: want %d bytes, got %d", 4*count, len(raw))
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

// encodeEntry serializes e into a self-contained, checksummed record:
//
//	seq(8) cfNameLen(2) cfName txnID(8)
//	userRootPresent(1) [userRoot(20)]
//	systemRootPresent(1) [systemRoot(20)]
//	durable(1)
//	freedCount(4) freedCompressedLen(4) freedCompressed
//	allocCount(4) allocCompressedLen(4) allocCompressed
//	crc32(4)
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 128)
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, e.Seq)
	buf = append(buf, seqBuf...)

	nameBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(nameBuf, uint16(len(e.CF)))
	buf = append(buf, nameBuf...)
	buf = append(buf, e.CF...)

	txnBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(txnBuf, e.Payload.TxnID)
	buf = append(buf, txnBuf...)

	buf = encodeRootRefOpt(buf, e.Payload.UserRoot)
	buf = encodeRootRefOpt(buf, e.Payload.SystemRoot)

	if e.Payload.Durable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	freedComp := encodeUint32List(e.Payload.FreedPages)
	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(countBuf[0:], uint32(len(e.Payload.FreedPages)))
	binary.LittleEndian.PutUint32(countBuf[4:], uint32(len(freedComp)))
	buf = append(buf, countBuf...)
	buf = append(buf, freedComp...)

	allocComp := encodeUint32List(e.Payload.AllocatedPages)
	binary.LittleEndian.PutUint32(countBuf[0:], uint32(len(e.Payload.AllocatedPages)))
	binary.LittleEndian.PutUint32(countBuf[4:], uint32(len(allocComp)))
	buf = append(buf, countBuf...)
	buf = append(buf, allocComp...)

	crc := crc32.ChecksumIEEE(buf)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	buf = append(buf, crcBuf...)

	return buf
}

// decodeEntry parses a record previously produced by encodeEntry, verifying
// its CRC first. It returns errs.Corruption on any structural problem,
// including CRC mismatch — callers doing recovery treat this as "truncated
// tail", not a hard failure (see Recover).
func decodeEntry(buf []byte) (Entry, int, error) {
	const minFixed = 8 + 2
	if len(buf) < minFixed {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record shorter than fixed header")
	}
	off := 0
	seq := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+nameLen {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record truncated reading CF name")
	}
	cf := string(buf[off : off+nameLen])
	off += nameLen

	if len(buf) < off+8+1 {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record truncated reading txn id")
	}
	txnID := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	readRootOpt := func() (*pagestore.RootRef, error) {
		if len(buf) < off+1 {
			return nil, errs.New(errs.Corruption, "wal: record truncated reading root presence flag")
		}
		present := buf[off]
		off++
		if present == 0 {
			return nil, nil
		}
		if len(buf) < off+rootRefWireSize {
			return nil, errs.New(errs.Corruption, "wal: record truncated reading root ref")
		}
		r := getRootRef(buf[off:])
		off += rootRefWireSize
		return &r, nil
	}

	userRoot, err := readRootOpt()
	if err != nil {
		return Entry{}, 0, err
	}
	sysRoot, err := readRootOpt()
	if err != nil {
		return Entry{}, 0, err
	}

	if len(buf) < off+1 {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record truncated reading durable flag")
	}
	durable := buf[off] != 0
	off++

	readList := func() ([]uint32, error) {
		if len(buf) < off+8 {
			return nil, errs.New(errs.Corruption, "wal: record truncated reading list header")
		}
		count := int(binary.LittleEndian.Uint32(buf[off:]))
		compLen := int(binary.LittleEndian.Uint32(buf[off+4:]))
		off += 8
		if len(buf) < off+compLen {
			return nil, errs.New(errs.Corruption, "wal: record truncated reading list body")
		}
		list, err := decodeUint32List(buf[off:off+compLen], count)
		off += compLen
		return list, err
	}

	freed, err := readList()
	if err != nil {
		return Entry{}, 0, err
	}
	alloced, err := readList()
	if err != nil {
		return Entry{}, 0, err
	}

	if len(buf) < off+4 {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record truncated reading CRC")
	}
	storedCRC := binary.LittleEndian.Uint32(buf[off:])
	computed := crc32.ChecksumIEEE(buf[:off])
	off += 4
	if storedCRC != computed {
		return Entry{}, 0, errs.New(errs.Corruption, "wal: record CRC mismatch")
	}

	return Entry{
		Seq: seq,
		CF:  cf,
		Payload: pagestore.Payload{
			UserRoot:       userRoot,
			SystemRoot:     sysRoot,
			TxnID:          txnID,
			FreedPages:     freed,
			AllocatedPages: alloced,
			Durable:        durable,
		},
	}, off, nil
}

// fastSum returns an xxhash64 fingerprint of b. No caller in this package
// uses it; record integrity is checked by the per-record CRC32 alone.
func fastSum(b []byte) uint64 { return xxhash.Sum64(b) }
