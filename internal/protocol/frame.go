package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

const (
	// ProtocolVersion for compatibility checking
	ProtocolVersion uint16 = 1

	// HeaderSize is the fixed frame header length: 2 + 1 + 1 + 4
	HeaderSize = 8

	// MaxFrameSize bounds a single frame payload, compressed or not.
	MaxFrameSize = 1024 * 1024 // 1MB
)

// Frame flags
const (
	FlagCompressed byte = 1 << 0
)

var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrShortFrame      = errors.New("frame shorter than header")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrMalformedBatch  = errors.New("malformed batch")
)

// Header is the frame header preceding every batch on every substrate.
type Header struct {
	Version uint16
	Channel Channel
	Flags   byte
	Length  uint32
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = byte(h.Channel)
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
}

func parseHeader(buf []byte) (Header, error) {
	h := Header{
		Version: binary.LittleEndian.Uint16(buf[0:2]),
		Channel: Channel(buf[2]),
		Flags:   buf[3],
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}
	if !h.Channel.Valid() {
		return h, fmt.Errorf("%w: %d", ErrUnknownChannel, h.Channel)
	}
	if h.Length > MaxFrameSize {
		return h, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, MaxFrameSize)
	}
	return h, nil
}

// Framer encodes batches into frames, compressing payloads above Threshold.
// A zero Threshold disables compression.
type Framer struct {
	Threshold int
}

// Encode serializes a batch and wraps it in a frame for channel.
func (f Framer) Encode(channel Channel, b *Batch) ([]byte, error) {
	payload, err := EncodeBatch(b)
	if err != nil {
		return nil, err
	}
	return f.EncodeFrame(channel, payload)
}

// EncodeFrame wraps an already encoded payload in a frame.
func (f Framer) EncodeFrame(channel Channel, payload []byte) ([]byte, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	var flags byte
	if f.Threshold > 0 && len(payload) > f.Threshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, err
		}
		// Only keep the compressed form if it actually helped.
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	Header{
		Version: ProtocolVersion,
		Channel: channel,
		Flags:   flags,
		Length:  uint32(len(payload)),
	}.put(frame)
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodeFrame validates a complete frame and returns its channel and
// uncompressed payload. Used for datagrams and WebSocket messages.
func DecodeFrame(frame []byte) (Channel, []byte, error) {
	if len(frame) < HeaderSize {
		return 0, nil, ErrShortFrame
	}
	h, err := parseHeader(frame[:HeaderSize])
	if err != nil {
		return 0, nil, err
	}
	body := frame[HeaderSize:]
	if int(h.Length) != len(body) {
		return 0, nil, fmt.Errorf("%w: header says %d bytes, got %d", ErrShortFrame, h.Length, len(body))
	}
	payload, err := h.payload(body)
	if err != nil {
		return 0, nil, err
	}
	return h.Channel, payload, nil
}

// WriteFrame writes a frame produced by Framer to a stream.
func WriteFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from a stream and returns its channel and
// uncompressed payload.
func ReadFrame(r io.Reader) (Channel, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return 0, nil, err
	}

	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read body: %w", err)
		}
	}

	payload, err := h.payload(body)
	if err != nil {
		return 0, nil, err
	}
	return h.Channel, payload, nil
}

func (h Header) payload(body []byte) ([]byte, error) {
	if h.Flags&FlagCompressed == 0 {
		return body, nil
	}
	return decompress(body)
}

// Buffer pool for compression
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func compress(src []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decompress(src []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zr := lz4.NewReader(bytes.NewReader(src))
	// Read one byte past the limit so oversized payloads are detected.
	n, err := io.Copy(buf, io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d", ErrFrameTooLarge, MaxFrameSize)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
