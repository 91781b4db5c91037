package pr

import "fmt"

// MaxRegistrations bounds the number of registered sessions a packed
// Context carries, keeping PackedSize a compile-time constant the
// transport can allocate up front, before any Pack call.
const MaxRegistrations = 32

// PackedSize is the fixed number of bytes Pack always writes.
func PackedSize() int {
	// holderValid(1) + holder(8) + resType(1) + count(1) +
	// MaxRegistrations * (sessionID(8) + key(8))
	return 1 + 8 + 1 + 1 + MaxRegistrations*16
}

// Pack serializes c's persistent reservation (holder and type) and up to
// MaxRegistrations of its registrations into buf, used when a remote node
// asks for the full context instead of replaying a CDB. The SPC-2
// reservation, the connected-session set and the PR generation are not
// packed.
func (c *Context) Pack(buf []byte) (int, error) {
	size := PackedSize()
	if len(buf) < size {
		return 0, fmt.Errorf("pr: buffer too small: need %d, have %d", size, len(buf))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range buf[:size] {
		buf[i] = 0
	}
	if c.holderValid {
		buf[0] = 1
	}
	putBE64(buf[1:9], uint64(c.holder))
	buf[9] = byte(c.resType)

	n := 0
	rest := buf[11:]
	for sessionID, key := range c.registrations {
		if n >= MaxRegistrations {
			break
		}
		off := n * 16
		putBE64(rest[off:off+8], uint64(sessionID))
		putBE64(rest[off+8:off+16], key)
		n++
	}
	buf[10] = byte(n)
	return size, nil
}

// Unpack returns a new Context holding the state buf describes.
func Unpack(buf []byte) (*Context, error) {
	size := PackedSize()
	if len(buf) < size {
		return nil, fmt.Errorf("pr: buffer too small: need %d, have %d", size, len(buf))
	}
	c := NewContext()
	c.holderValid = buf[0] != 0
	c.holder = int(getBE64(buf[1:9]))
	c.resType = ReservationType(buf[9])
	n := int(buf[10])
	rest := buf[11:]
	for i := 0; i < n && i < MaxRegistrations; i++ {
		off := i * 16
		sessionID := int(getBE64(rest[off : off+8]))
		key := getBE64(rest[off+8 : off+16])
		c.registrations[sessionID] = key
	}
	return c, nil
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putBE64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getBE64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
