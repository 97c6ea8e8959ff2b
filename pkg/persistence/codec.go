package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"google.golang.org/protobuf/encoding/protowire"
)

// Every record on disk is framed as
//
//	"DWRF" | version | uvarint body length | body
//
// where the body is a protobuf wire message. The field numbers below are the disk format.
const (
	magic         = "DWRF"
	formatVersion = 1

	// maxBodySize bounds a single record so a corrupt length never turns into a huge allocation.
	maxBodySize = 256 << 20

	recFieldSeq     protowire.Number = 1
	recFieldLast    protowire.Number = 2
	recFieldCommand protowire.Number = 3
	recFieldNode    protowire.Number = 3

	nodeFieldPath  protowire.Number = 1
	nodeFieldData  protowire.Number = 2
	nodeFieldCTime protowire.Number = 3
	nodeFieldMTime protowire.Number = 4
	nodeFieldDxid  protowire.Number = 5
)

var (
	// ErrCorrupt is returned when a file on disk can't be decoded.
	ErrCorrupt = errors.New("corrupt record")
	// ErrStaleSequence is returned when a record is written with a sequence number that is not
	// newer than the last one written.
	ErrStaleSequence = errors.New("stale sequence number")
)

// LogRecord is one batch of commands applied by the logger.
type LogRecord struct {
	Seq uint64
	// Last is the delivery id of the last command in the batch.
	Last     dxid.DXID
	Commands []dwarf.Command
}

// Snapshot is the whole tree as of delivery Last.
type Snapshot struct {
	Seq     uint64
	Last    dxid.DXID
	Entries []znode.Entry
}

func appendFrame(b, body []byte) []byte {
	b = append(b, magic...)
	b = append(b, formatVersion)
	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...)
}

// frameSize is the number of bytes appendFrame writes for body.
func frameSize(body []byte) int64 {
	return int64(len(magic) + 1 + protowire.SizeVarint(uint64(len(body))) + len(body))
}

// readFrame reads the body of the next record. It returns io.EOF when r is exhausted exactly at a
// record boundary.
func readFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, header[:len(magic)])
	}
	if v := header[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	size, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxBodySize {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated body", ErrCorrupt)
	}
	return body, nil
}

func readUvarint(r io.ByteReader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(^uint64(0)); i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated length", ErrCorrupt)
		}
		buf = append(buf, c)
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length overflows", ErrCorrupt)
}

func encodeLogRecord(rec LogRecord) []byte {
	var b []byte
	b = appendHeader(b, rec.Seq, rec.Last)
	for _, cmd := range rec.Commands {
		b = protowire.AppendTag(b, recFieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, dwarf.EncodeCommand(cmd))
	}
	return b
}

func decodeLogRecord(body []byte) (LogRecord, error) {
	var rec LogRecord
	err := dwarf.ConsumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if n, ok := consumeHeader(num, typ, b, &rec.Seq, &rec.Last); ok {
			return n, nil
		}
		if num == recFieldCommand && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cmd, err := dwarf.DecodeCommand(v)
			if err != nil {
				return 0, err
			}
			rec.Commands = append(rec.Commands, cmd)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: log record: %v", ErrCorrupt, err)
	}
	return rec, nil
}

// EncodeSnapshot returns the unframed wire form of snap. It is also what members send each other
// during state transfer.
func EncodeSnapshot(snap Snapshot) []byte {
	var b []byte
	b = appendHeader(b, snap.Seq, snap.Last)
	for _, e := range snap.Entries {
		var node []byte
		node = protowire.AppendTag(node, nodeFieldPath, protowire.BytesType)
		node = protowire.AppendString(node, e.Path)
		node = protowire.AppendTag(node, nodeFieldData, protowire.BytesType)
		node = protowire.AppendString(node, e.Data)
		node = protowire.AppendTag(node, nodeFieldCTime, protowire.VarintType)
		node = protowire.AppendVarint(node, uint64(e.CTime.UnixNano()))
		node = protowire.AppendTag(node, nodeFieldMTime, protowire.VarintType)
		node = protowire.AppendVarint(node, uint64(e.MTime.UnixNano()))
		node = protowire.AppendTag(node, nodeFieldDxid, protowire.VarintType)
		node = protowire.AppendVarint(node, uint64(e.Dxid))

		b = protowire.AppendTag(b, recFieldNode, protowire.BytesType)
		b = protowire.AppendBytes(b, node)
	}
	return b
}

func DecodeSnapshot(body []byte) (Snapshot, error) {
	var snap Snapshot
	err := dwarf.ConsumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if n, ok := consumeHeader(num, typ, b, &snap.Seq, &snap.Last); ok {
			return n, nil
		}
		if num == recFieldNode && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := decodeEntry(v)
			if err != nil {
				return 0, err
			}
			snap.Entries = append(snap.Entries, e)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	return snap, nil
}

func decodeEntry(b []byte) (znode.Entry, error) {
	var e znode.Entry
	err := dwarf.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && (num == nodeFieldPath || num == nodeFieldData):
			v, n := protowire.ConsumeString(b)
			if num == nodeFieldPath {
				e.Path = v
			} else {
				e.Data = v
			}
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case nodeFieldCTime:
				e.CTime = time.Unix(0, int64(v)).UTC()
			case nodeFieldMTime:
				e.MTime = time.Unix(0, int64(v)).UTC()
			case nodeFieldDxid:
				e.Dxid = dxid.DXID(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

func appendHeader(b []byte, seq uint64, last dxid.DXID) []byte {
	b = protowire.AppendTag(b, recFieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, recFieldLast, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(last))
}

func consumeHeader(num protowire.Number, typ protowire.Type, b []byte, seq *uint64, last *dxid.DXID) (int, bool) {
	if typ != protowire.VarintType || (num != recFieldSeq && num != recFieldLast) {
		return 0, false
	}
	v, n := protowire.ConsumeVarint(b)
	if num == recFieldSeq {
		*seq = v
	} else {
		*last = dxid.DXID(v)
	}
	return n, true
}
