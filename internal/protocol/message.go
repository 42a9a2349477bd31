// Package protocol defines the abstract bitswap request/response messages and
// the wire codecs that carry them.
//
// The query engine only ever sees Request and Response. How they are framed on
// a stream is decided once, at configuration time, by picking a Codec.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// RequestType identifies what a request asks for
type RequestType uint8

const (
	// RequestHave asks whether the peer holds a block
	RequestHave RequestType = 0
	// RequestBlock asks the peer to send a block
	RequestBlock RequestType = 1
)

func (t RequestType) String() string {
	switch t {
	case RequestHave:
		return "have"
	case RequestBlock:
		return "block"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Request is sent to exactly one peer for one CID
type Request struct {
	Type RequestType
	Cid  cid.Cid
}

// Have creates a Have request
func Have(c cid.Cid) Request {
	return Request{Type: RequestHave, Cid: c}
}

// WantBlock creates a WantBlock request
func WantBlock(c cid.Cid) Request {
	return Request{Type: RequestBlock, Cid: c}
}

func (r Request) String() string {
	return fmt.Sprintf("%s(%s)", r.Type, r.Cid)
}

// Response answers a Request. For a Have answer Data is nil; for a Block
// answer Have is unused.
type Response struct {
	Type RequestType
	Have bool
	Data []byte
}

// HaveAnswer creates a Have response
func HaveAnswer(have bool) Response {
	return Response{Type: RequestHave, Have: have}
}

// BlockAnswer creates a Block response
func BlockAnswer(data []byte) Response {
	return Response{Type: RequestBlock, Data: data}
}

// Errors returned by the codecs
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnknownCodec    = errors.New("unknown codec")
)

// Codec frames abstract messages on a stream. Implementations must decode
// exactly what they encode.
type Codec interface {
	// Name is the configuration name of the codec
	Name() string
	// Protocol is the libp2p protocol the codec speaks
	Protocol() protocol.ID

	WriteRequest(w io.Writer, req Request) error
	ReadRequest(r io.Reader) (Request, error)

	// WriteResponse and ReadResponse take the CID of the request being
	// answered, since some framings carry it on the wire.
	WriteResponse(w io.Writer, c cid.Cid, resp Response) error
	ReadResponse(r io.Reader, c cid.Cid) (Response, error)
}

// DefaultMaxBlockSize is the largest block payload accepted by the codecs
const DefaultMaxBlockSize = 2 << 20

// CodecByName returns the codec registered under name
func CodecByName(name string, maxBlockSize int) (Codec, error) {
	if maxBlockSize <= 0 {
		maxBlockSize = DefaultMaxBlockSize
	}
	switch name {
	case "", CompactCodecName:
		return NewCompactCodec(maxBlockSize), nil
	case CompatCodecName:
		return NewCompatCodec(maxBlockSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
