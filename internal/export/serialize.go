package export

import (
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// Flat POD layout, sized so that SerializedSize() is a single constant
// covering the worst case (an iSCSI export with MaxFilters filters):
// never pointers, always the same number of bytes regardless of which
// variant is packed.
const (
	offType     = 0
	offUUID     = offType + 1
	offReadonly = offUUID + 16
	offPayload  = offReadonly + 1

	// Bdev payload: a fixed-width, NUL-padded path.
	bdevPayloadSize = MaxPath + 1

	// Iscsi payload: lun (8) + default policy (1) + filter count (1) +
	// MaxFilters * (pattern (wire.MaxIQNLen) + policy (1) + unused (1)).
	iscsiFilterSize = wire.MaxIQNLen + 1 + 1
	iscsiPayloadSize = 8 + 1 + 1 + MaxFilters*iscsiFilterSize
)

func payloadSize() int {
	if bdevPayloadSize > iscsiPayloadSize {
		return bdevPayloadSize
	}
	return iscsiPayloadSize
}

// SerializedSize returns the fixed number of bytes Serialize always writes.
func SerializedSize() int {
	return offPayload + payloadSize()
}

// Serialize packs e into buf, which must be at least SerializedSize() bytes.
func (e *Export) Serialize(buf []byte) (int, error) {
	size := SerializedSize()
	if len(buf) < size {
		return 0, ErrBufferTooSmall
	}
	for i := 0; i < size; i++ {
		buf[i] = 0
	}
	buf[offType] = byte(e.typ)
	copy(buf[offUUID:offUUID+16], e.uuid.MarshalBinary())
	if e.readonly {
		buf[offReadonly] = 1
	}
	payload := buf[offPayload : offPayload+payloadSize()]
	switch e.typ {
	case Bdev:
		copy(payload[:bdevPayloadSize-1], []byte(e.path))
	case Iscsi:
		wire.SetBigEndian64(e.lun, payload[0:8])
		payload[8] = byte(e.filterPolicy)
		payload[9] = byte(len(e.filters))
		rest := payload[10:]
		for i, f := range e.filters {
			off := i * iscsiFilterSize
			copy(rest[off:off+wire.MaxIQNLen], []byte(f.Pattern.String()))
			rest[off+wire.MaxIQNLen] = byte(f.Policy)
		}
	default:
		return 0, ErrWrongType
	}
	return size, nil
}

// Deserialize unpacks an Export from buf, which must be at least
// SerializedSize() bytes.
func Deserialize(buf []byte) (*Export, error) {
	size := SerializedSize()
	if len(buf) < size {
		return nil, ErrBufferTooSmall
	}
	typ := Type(buf[offType])
	uuid, err := wire.UnmarshalUUID(buf[offUUID : offUUID+16])
	if err != nil {
		return nil, err
	}
	readonly := buf[offReadonly] != 0
	payload := buf[offPayload : offPayload+payloadSize()]

	var e *Export
	switch typ {
	case Bdev:
		path := cStringFrom(payload[:bdevPayloadSize-1])
		e, err = NewBdev(uuid, path)
		if err != nil {
			return nil, err
		}
	case Iscsi:
		lun := wire.GetBigEndian64(payload[0:8])
		policy := wire.FilterPolicy(payload[8])
		e, err = NewIscsi(uuid, lun, policy)
		if err != nil {
			return nil, err
		}
		count := int(payload[9])
		rest := payload[10:]
		for i := 0; i < count; i++ {
			off := i * iscsiFilterSize
			pattern := cStringFrom(rest[off : off+wire.MaxIQNLen])
			fpolicy := wire.FilterPolicy(rest[off+wire.MaxIQNLen])
			iqn, err := wire.FromString(pattern)
			if err != nil {
				return nil, err
			}
			if err := e.AddIqnFilter(iqn, fpolicy); err != nil {
				return nil, err
			}
		}
	default:
		return nil, ErrWrongType
	}
	e.SetReadonly(readonly)
	return e, nil
}

func cStringFrom(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
