package serialhal

// Frame layout on the UART link:
//
//	[len][seq][op][payload...][crc16 hi][crc16 lo][0x7E]
//
// len counts the whole frame. The CRC covers everything before the
// trailer. A trailing 0x7E sync byte bounds every frame so the decoder
// can resynchronize after line garbage.
const (
	frameHeaderSize  = 3
	frameTrailerSize = 3
	frameLengthMin   = frameHeaderSize + frameTrailerSize
	frameLengthMax   = 255
	frameSync        = 0x7E

	// MaxPayload is the largest packet that fits one frame.
	MaxPayload = frameLengthMax - frameHeaderSize - frameTrailerSize
)

// Host-to-MCU operations. Responses set the reply flag and echo the
// request's sequence number.
const (
	opStart    = 0x01
	opStop     = 0x02
	opSend     = 0x03
	opSetParam = 0x04
	opGetParam = 0x05
	opDone     = 0x06

	replyFlag = 0x80
)

// MCU-to-host event frames, always carrying sequence 0.
const (
	evFieldOn  = 0x40
	evFieldOff = 0x41
	evRxData   = 0x42
	evTxDone   = 0x43
)

// Response status byte, first byte of every reply payload.
const (
	statusOK          = 0x00
	statusError       = 0x01
	statusInvalidSize = 0x02
	statusTimeout     = 0x03
)

// Parameter ids on the link.
const (
	wireParamTesting = 0x00
)

// crc16 is the CCITT-flavored kernel shared with the front-end firmware.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// frame is one decoded link frame.
type frame struct {
	seq     byte
	op      byte
	payload []byte
}

// isReply reports whether the frame answers a host request.
func (f frame) isReply() bool { return f.op&replyFlag != 0 }

// encodeFrame builds the wire form of one frame. The payload must fit
// MaxPayload; callers check before encoding.
func encodeFrame(seq, op byte, payload []byte) []byte {
	total := frameHeaderSize + len(payload) + frameTrailerSize
	buf := make([]byte, 0, total)
	buf = append(buf, byte(total), seq, op)
	buf = append(buf, payload...)
	crc := crc16(buf)
	buf = append(buf, byte(crc>>8), byte(crc&0xFF), frameSync)
	return buf
}

// decoder incrementally extracts frames from the byte stream. Garbage
// never stalls it: every buffered offset is tried as a frame start, so
// a noise byte read as a huge length prefix cannot make the decoder sit
// waiting for bytes that will never come.
type decoder struct {
	buf []byte
}

// feed consumes raw bytes and returns every complete, valid frame.
func (d *decoder) feed(p []byte) []frame {
	d.buf = append(d.buf, p...)

	var frames []frame
	for {
		fr, end, found := scanFrame(d.buf)
		if !found {
			d.buf = d.buf[keepFrom(d.buf):]
			return frames
		}
		frames = append(frames, fr)
		d.buf = d.buf[end:]
	}
}

// scanFrame finds the first complete frame in buf, at any offset. A
// candidate counts only if its length byte, trailing sync byte and CRC
// all agree.
func scanFrame(buf []byte) (frame, int, bool) {
	for k := 0; k+frameLengthMin <= len(buf); k++ {
		total := int(buf[k])
		if total < frameLengthMin || k+total > len(buf) {
			continue
		}
		if buf[k+total-1] != frameSync {
			continue
		}
		wireCRC := uint16(buf[k+total-3])<<8 | uint16(buf[k+total-2])
		if wireCRC != crc16(buf[k:k+total-frameTrailerSize]) {
			continue
		}

		payload := make([]byte, total-frameHeaderSize-frameTrailerSize)
		copy(payload, buf[k+frameHeaderSize:k+total-frameTrailerSize])
		return frame{seq: buf[k+1], op: buf[k+2], payload: payload}, k + total, true
	}
	return frame{}, 0, false
}

// keepFrom returns the first offset that could still open a frame once
// more bytes arrive. Everything before it has been ruled out, so the
// buffer stays bounded under a garbage stream.
func keepFrom(buf []byte) int {
	limit := len(buf) - frameLengthMin + 1
	if limit < 0 {
		limit = 0
	}
	for k := 0; k < limit; k++ {
		total := int(buf[k])
		if total >= frameLengthMin && k+total > len(buf) {
			return k
		}
	}
	return limit
}
