package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteUint32 writes v in big-endian form.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 writes v in big-endian form.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteBytes writes a length-prefixed byte slice: [len:uint32][data].
func WriteBytes(buf *bytes.Buffer, data []byte) error {
	if err := WriteUint32(buf, uint32(len(data))); err != nil {
		return err
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	return nil
}

// WriteString writes a length-prefixed UTF-8 string.
func WriteString(buf *bytes.Buffer, s string) error {
	return WriteBytes(buf, []byte(s))
}

// WriteBool writes a boolean as a single byte.
func WriteBool(buf *bytes.Buffer, v bool) error {
	if v {
		return buf.WriteByte(1)
	}
	return buf.WriteByte(0)
}

// WriteSemVer writes a semantic-version triple as three uint32 fields.
func WriteSemVer(buf *bytes.Buffer, v SemVer) error {
	if err := WriteUint32(buf, v.Major); err != nil {
		return err
	}
	if err := WriteUint32(buf, v.Minor); err != nil {
		return err
	}
	return WriteUint32(buf, v.Patch)
}

// EncodeEnvelope serializes env into a frame body (without the leading
// length prefix — that is added by Frame/WriteFrame).
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer

	switch {
	case env.Request != nil:
		if err := WriteUint32(&buf, 0); err != nil { // 0 = Request
			return nil, err
		}
		if err := encodeRequest(&buf, env.Request); err != nil {
			return nil, err
		}
	case env.Response != nil:
		if err := WriteUint32(&buf, 1); err != nil { // 1 = Response
			return nil, err
		}
		if err := encodeResponse(&buf, env.Response); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("envelope carries neither request nor response")
	}

	if buf.Len() > MaxFrameBytes {
		return nil, fmt.Errorf("encoded envelope %d bytes exceeds max frame %d", buf.Len(), MaxFrameBytes)
	}

	return buf.Bytes(), nil
}

func encodeRequest(buf *bytes.Buffer, req *Request) error {
	if err := WriteUint32(buf, req.ID); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(req.Kind)); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(req.Type)); err != nil {
		return err
	}
	if err := WriteSemVer(buf, req.Version); err != nil {
		return err
	}
	if err := WriteBytes(buf, req.Signature); err != nil {
		return err
	}
	return WriteBytes(buf, req.Body)
}

func encodeResponse(buf *bytes.Buffer, resp *Response) error {
	if err := WriteUint32(buf, resp.ID); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(resp.Kind)); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(resp.Type)); err != nil {
		return err
	}
	if err := WriteUint32(buf, uint32(resp.Status)); err != nil {
		return err
	}
	if err := WriteString(buf, resp.Path); err != nil {
		return err
	}
	if err := WriteString(buf, resp.Message); err != nil {
		return err
	}
	return WriteBytes(buf, resp.Body)
}
