package cow

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// On-disk layout, little endian:
//
//	header (64 bytes)
//	  0  magic u32
//	  4  version u16
//	  6  header size u16
//	  8  block size u32
//	  12 compression u8
//	  16 device size u64
//	  60 crc32 of bytes [0,60)
//	records, each a 32-byte header followed by dataLen bytes
//	  0  op u8
//	  1  codec u8
//	  4  dataLen u32
//	  8  new block u64
//	  16 source u64 (copy: source block, xor: source byte offset, label: label)
//	  24 crc32 of data
//	  28 crc32 of bytes [0,28)
const (
	headerMagic   uint32 = 0x434f5441 // "ATOC"
	formatVersion uint16 = 1

	HeaderSize       = 64
	RecordHeaderSize = 32
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// OpType identifies a record.
type OpType uint8

const (
	OpRaw OpType = iota + 1
	OpZero
	OpCopy
	OpXor
	OpLabel
)

func (t OpType) String() string {
	switch t {
	case OpRaw:
		return "raw"
	case OpZero:
		return "zero"
	case OpCopy:
		return "copy"
	case OpXor:
		return "xor"
	case OpLabel:
		return "label"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

type header struct {
	BlockSize   uint32
	Compression Compression
	DeviceSize  uint64
}

func (h header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], HeaderSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.BlockSize)
	buf[12] = byte(h.Compression)
	binary.LittleEndian.PutUint64(buf[16:24], h.DeviceSize)
	binary.LittleEndian.PutUint32(buf[60:64], crc32.Checksum(buf[:60], crcTable))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != headerMagic {
		return header{}, fmt.Errorf("%w: magic", ErrBadHeader)
	}
	if crc32.Checksum(buf[:60], crcTable) != binary.LittleEndian.Uint32(buf[60:64]) {
		return header{}, fmt.Errorf("%w: checksum", ErrBadHeader)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != formatVersion {
		return header{}, fmt.Errorf("%w: version %d", ErrBadHeader, v)
	}
	h := header{
		BlockSize:   binary.LittleEndian.Uint32(buf[8:12]),
		Compression: Compression(buf[12]),
		DeviceSize:  binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.BlockSize != BlockSize {
		return header{}, fmt.Errorf("%w: block size %d", ErrBadHeader, h.BlockSize)
	}
	if h.Compression > CompressionZstd {
		return header{}, fmt.Errorf("%w: compression %d", ErrBadHeader, h.Compression)
	}
	return h, nil
}

type record struct {
	Op       OpType
	Codec    Compression
	DataLen  uint32
	NewBlock uint64
	Source   uint64
	DataCRC  uint32
}

func (r record) encode() []byte {
	buf := make([]byte, RecordHeaderSize)
	buf[0] = byte(r.Op)
	buf[1] = byte(r.Codec)
	binary.LittleEndian.PutUint32(buf[4:8], r.DataLen)
	binary.LittleEndian.PutUint64(buf[8:16], r.NewBlock)
	binary.LittleEndian.PutUint64(buf[16:24], r.Source)
	binary.LittleEndian.PutUint32(buf[24:28], r.DataCRC)
	binary.LittleEndian.PutUint32(buf[28:32], crc32.Checksum(buf[:28], crcTable))
	return buf
}

// decodeRecord returns ok=false for a header that is torn or unwritten.
func decodeRecord(buf []byte) (record, bool) {
	if len(buf) < RecordHeaderSize {
		return record{}, false
	}
	if crc32.Checksum(buf[:28], crcTable) != binary.LittleEndian.Uint32(buf[28:32]) {
		return record{}, false
	}
	r := record{
		Op:       OpType(buf[0]),
		Codec:    Compression(buf[1]),
		DataLen:  binary.LittleEndian.Uint32(buf[4:8]),
		NewBlock: binary.LittleEndian.Uint64(buf[8:16]),
		Source:   binary.LittleEndian.Uint64(buf[16:24]),
		DataCRC:  binary.LittleEndian.Uint32(buf[24:28]),
	}
	if r.Op < OpRaw || r.Op > OpLabel || r.Codec > CompressionZstd {
		return record{}, false
	}
	return r, true
}

// scannedRecord is a complete record found in a snapshot file.
type scannedRecord struct {
	record
	Offset int64 // of the record header
}

func (s scannedRecord) dataOffset() int64 {
	return s.Offset + RecordHeaderSize
}

func (s scannedRecord) end() int64 {
	return s.dataOffset() + int64(s.DataLen)
}

// scanRecords walks the records in data after the header and stops at the
// first torn or truncated one. It returns the records and the offset just
// past the last complete record.
func scanRecords(data []byte) ([]scannedRecord, int64) {
	var out []scannedRecord
	off := int64(HeaderSize)
	for {
		if off+RecordHeaderSize > int64(len(data)) {
			return out, off
		}
		r, ok := decodeRecord(data[off : off+RecordHeaderSize])
		if !ok {
			return out, off
		}
		sr := scannedRecord{record: r, Offset: off}
		if sr.end() > int64(len(data)) {
			return out, off
		}
		out = append(out, sr)
		off = sr.end()
	}
}
