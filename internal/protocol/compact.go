package protocol

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-varint"
)

// CompactCodecName selects the compact binary codec
const CompactCodecName = "compact"

// CompactProtocolID is the protocol spoken by the compact codec
const CompactProtocolID protocol.ID = "/ipfs-embed/bitswap/1.0.0"

// maxCIDSize covers version, codec, hash code and digest length varints plus
// a 64 byte digest.
const maxCIDSize = 4*varint.MaxLenUvarint63 + 64

// CompactCodec writes every message as a single unsigned-varint length
// prefixed frame.
//
//	request:  [type][cid bytes]
//	have:     [0][0|1]
//	block:    [1][payload]
type CompactCodec struct {
	maxFrame int
}

// NewCompactCodec creates a compact codec accepting blocks up to maxBlockSize
func NewCompactCodec(maxBlockSize int) *CompactCodec {
	return &CompactCodec{maxFrame: max(maxBlockSize, maxCIDSize) + 1}
}

func (c *CompactCodec) Name() string          { return CompactCodecName }
func (c *CompactCodec) Protocol() protocol.ID { return CompactProtocolID }

func (c *CompactCodec) WriteRequest(w io.Writer, req Request) error {
	if req.Type != RequestHave && req.Type != RequestBlock {
		return fmt.Errorf("%w: request type %d", ErrInvalidMessage, req.Type)
	}
	cb := req.Cid.Bytes()
	buf := make([]byte, 0, len(cb)+1)
	buf = append(buf, byte(req.Type))
	buf = append(buf, cb...)
	return writeFrame(w, buf, c.maxFrame)
}

func (c *CompactCodec) ReadRequest(r io.Reader) (Request, error) {
	frame, err := readFrame(r, c.maxFrame)
	if err != nil {
		return Request{}, err
	}
	if len(frame) < 2 {
		return Request{}, fmt.Errorf("%w: short request", ErrInvalidMessage)
	}
	typ := RequestType(frame[0])
	if typ != RequestHave && typ != RequestBlock {
		return Request{}, fmt.Errorf("%w: request type %d", ErrInvalidMessage, frame[0])
	}
	k, err := cid.Cast(frame[1:])
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return Request{Type: typ, Cid: k}, nil
}

func (c *CompactCodec) WriteResponse(w io.Writer, _ cid.Cid, resp Response) error {
	switch resp.Type {
	case RequestHave:
		var b byte
		if resp.Have {
			b = 1
		}
		return writeFrame(w, []byte{byte(RequestHave), b}, c.maxFrame)
	case RequestBlock:
		buf := make([]byte, 0, len(resp.Data)+1)
		buf = append(buf, byte(RequestBlock))
		buf = append(buf, resp.Data...)
		return writeFrame(w, buf, c.maxFrame)
	default:
		return fmt.Errorf("%w: response type %d", ErrInvalidMessage, resp.Type)
	}
}

func (c *CompactCodec) ReadResponse(r io.Reader, _ cid.Cid) (Response, error) {
	frame, err := readFrame(r, c.maxFrame)
	if err != nil {
		return Response{}, err
	}
	if len(frame) == 0 {
		return Response{}, fmt.Errorf("%w: empty response", ErrInvalidMessage)
	}
	switch RequestType(frame[0]) {
	case RequestHave:
		if len(frame) != 2 || frame[1] > 1 {
			return Response{}, fmt.Errorf("%w: malformed have answer", ErrInvalidMessage)
		}
		return HaveAnswer(frame[1] == 1), nil
	case RequestBlock:
		data := make([]byte, len(frame)-1)
		copy(data, frame[1:])
		return BlockAnswer(data), nil
	default:
		return Response{}, fmt.Errorf("%w: response type %d", ErrInvalidMessage, frame[0])
	}
}

func writeFrame(w io.Writer, payload []byte, maxFrame int) error {
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), maxFrame)
	}
	prefix := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(append(prefix, payload...)); err != nil {
		return err
	}
	return nil
}

func readFrame(r io.Reader, maxFrame int) ([]byte, error) {
	n, err := varint.ReadUvarint(asByteReader(r))
	if err != nil {
		return nil, err
	}
	if n > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, maxFrame)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// byteReader reads the length prefix one byte at a time so nothing past the
// frame is consumed from the stream.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return &byteReader{r: r}
}
