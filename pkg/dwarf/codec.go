package dwarf

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Commands and stats travel between members as protobuf wire messages. The field numbers
// below are the wire format and must not be reused.
const (
	cmdFieldOp   protowire.Number = 1
	cmdFieldArgs protowire.Number = 2
	cmdFieldDxid protowire.Number = 3

	statFieldName        protowire.Number = 1
	statFieldCTime       protowire.Number = 2
	statFieldMTime       protowire.Number = 3
	statFieldNumChildren protowire.Number = 4
	statFieldChildList   protowire.Number = 5
	statFieldData        protowire.Number = 6
	statFieldErr         protowire.Number = 7
	statFieldInfo        protowire.Number = 8
)

var ErrMalformed = errors.New("malformed message")

// AppendCommand appends the wire form of cmd to b.
func AppendCommand(b []byte, cmd Command) []byte {
	b = protowire.AppendTag(b, cmdFieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Op))
	if cmd.Args != "" {
		b = protowire.AppendTag(b, cmdFieldArgs, protowire.BytesType)
		b = protowire.AppendString(b, cmd.Args)
	}
	if cmd.Dxid != dxid.Zero {
		b = protowire.AppendTag(b, cmdFieldDxid, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cmd.Dxid))
	}
	return b
}

func EncodeCommand(cmd Command) []byte {
	return AppendCommand(nil, cmd)
}

func DecodeCommand(b []byte) (Command, error) {
	var cmd Command
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == cmdFieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cmd.Op = OpCode(v)
			return n, nil
		case num == cmdFieldArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			cmd.Args = v
			return n, nil
		case num == cmdFieldDxid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cmd.Dxid = dxid.DXID(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	return cmd, nil
}

func EncodeStat(s *Stat) []byte {
	var b []byte
	b = appendString(b, statFieldName, s.Name)
	b = appendTime(b, statFieldCTime, s.CTime)
	b = appendTime(b, statFieldMTime, s.MTime)
	b = protowire.AppendTag(b, statFieldNumChildren, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.NumChildren)))
	b = appendString(b, statFieldChildList, s.ChildList)
	b = appendString(b, statFieldData, s.Data)
	b = appendString(b, statFieldErr, s.Err)
	b = appendString(b, statFieldInfo, s.Info)
	return b
}

func DecodeStat(b []byte) (*Stat, error) {
	s := &Stat{}
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case statFieldCTime:
				s.CTime = time.Unix(0, int64(v)).UTC()
			case statFieldMTime:
				s.MTime = time.Unix(0, int64(v)).UTC()
			case statFieldNumChildren:
				s.NumChildren = int(protowire.DecodeZigZag(v))
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case statFieldName:
			s.Name = v
		case statFieldChildList:
			s.ChildList = v
		case statFieldData:
			s.Data = v
		case statFieldErr:
			s.Err = v
		case statFieldInfo:
			s.Info = v
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding stat: %w", err)
	}
	return s, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

// ConsumeFields walks every field of a wire message, handing the bytes after each tag to fn.
// fn returns how many bytes of the field value it consumed.
func ConsumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
