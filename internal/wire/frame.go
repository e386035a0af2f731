package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/profileserver/pkg/bufpool"
)

// ReadFrame reads one `uint32 length‖body` frame from r, rejecting
// lengths above MaxFrameBytes before allocating.
func ReadFrame(r io.Reader) ([]byte, error) {
	lenBuf := bufpool.GetUint32(4)
	defer bufpool.Put(lenBuf)

	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds max %d", length, MaxFrameBytes)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return body, nil
}

// WriteFrame writes body prefixed by its big-endian uint32 length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("frame body %d bytes exceeds max %d", len(body), MaxFrameBytes)
	}

	lenBuf := bufpool.GetUint32(4)
	defer bufpool.Put(lenBuf)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// UnsolicitedViolation builds the canonical protocol-violation response
// sent when no request id could be recovered from a malformed frame.
func UnsolicitedViolation(message string) *Response {
	return &Response{
		ID:      UnsolicitedMessageID,
		Status:  StatusProtocolViolation,
		Message: message,
	}
}
