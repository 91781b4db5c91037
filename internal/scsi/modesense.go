package scsi

import "io"

// modeSense answers MODE SENSE 6/10 with the fixed page set a Linux or
// Windows initiator probes on attach: disconnect/reconnect, caching,
// control, and informational-exceptions.
func (d *Dispatcher) modeSense(slot *LunSlot, cdb CDB, out io.Writer) Response {
	is10 := cdb.Len() == 10
	pageCode := byte(0x3f)
	if len(cdb) > 2 {
		pageCode = cdb[2] & 0x3f
	}

	var body []byte
	switch pageCode {
	case 0x3f:
		body = append(body, modePageDisconnectReconnect()...)
		body = append(body, modePageCaching()...)
		body = append(body, modePageControl()...)
		body = append(body, modePageInformationalExceptions()...)
	case 0x02:
		body = modePageDisconnectReconnect()
	case 0x08:
		body = modePageCaching()
	case 0x0a:
		body = modePageControl()
	case 0x1c:
		body = modePageInformationalExceptions()
	default:
		return illegalRequest
	}

	// WP in the device-specific parameter byte for a read-only export.
	var deviceSpecific byte
	if exp := slot.Export(); exp != nil && exp.IsReadonly() {
		deviceSpecific = 0x80
	}

	// No block descriptors are ever emitted, so the header's block
	// descriptor length stays zero whether or not the initiator set DBD.
	var header []byte
	if is10 {
		header = make([]byte, 8)
		setBE16(header[0:2], uint16(len(body)+6))
		header[3] = deviceSpecific
	} else {
		header = make([]byte, 4)
		header[0] = byte(len(body) + 3)
		header[2] = deviceSpecific
	}

	buf := append(header, body...)
	allocLen := cdb.AllocationLength()
	if allocLen > 0 && allocLen < len(buf) {
		buf = buf[:allocLen]
	}
	_, _ = out.Write(buf)
	return ok()
}

func setBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func modePageDisconnectReconnect() []byte {
	p := make([]byte, 16)
	p[0] = 0x02
	p[1] = 0x0e
	return p
}

func modePageCaching() []byte {
	p := make([]byte, 20)
	p[0] = 0x08
	p[1] = 0x12
	p[2] = 0x14 // WCE=1, DISC=1
	return p
}

func modePageControl() []byte {
	p := make([]byte, 12)
	p[0] = 0x0a
	p[1] = 0x0a
	p[2] = 0x02 // GLTSD
	p[3] = 0x10 // queue algorithm: unrestricted reordering, single task set
	return p
}

func modePageInformationalExceptions() []byte {
	p := make([]byte, 12)
	p[0] = 0x1c
	p[1] = 0x0a
	return p
}
