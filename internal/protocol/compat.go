package protocol

import (
	"fmt"
	"io"

	bsmsg "github.com/ipfs/boxo/bitswap/message"
	pb "github.com/ipfs/boxo/bitswap/message/pb"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
)

// CompatCodecName selects the legacy protobuf codec
const CompatCodecName = "compat"

// CompatProtocolID is the legacy bitswap protocol
const CompatProtocolID protocol.ID = "/ipfs/bitswap/1.2.0"

// wantPriority is the priority attached to every wantlist entry; the engine
// does its own scheduling so all wants are equal.
const wantPriority = 1

// CompatCodec speaks the protobuf bitswap message used by go-ipfs style
// nodes. Each message carries a single wantlist entry, block, or presence.
type CompatCodec struct {
	maxMessage int
}

// NewCompatCodec creates a compat codec accepting blocks up to maxBlockSize
func NewCompatCodec(maxBlockSize int) *CompatCodec {
	return &CompatCodec{maxMessage: max(network.MessageSizeMax, maxBlockSize+maxCIDSize*2)}
}

func (c *CompatCodec) Name() string          { return CompatCodecName }
func (c *CompatCodec) Protocol() protocol.ID { return CompatProtocolID }

func (c *CompatCodec) WriteRequest(w io.Writer, req Request) error {
	msg := bsmsg.New(false)
	switch req.Type {
	case RequestHave:
		msg.AddEntry(req.Cid, wantPriority, pb.Message_Wantlist_Have, true)
	case RequestBlock:
		msg.AddEntry(req.Cid, wantPriority, pb.Message_Wantlist_Block, true)
	default:
		return fmt.Errorf("%w: request type %d", ErrInvalidMessage, req.Type)
	}
	return msg.ToNetV1(w)
}

func (c *CompatCodec) ReadRequest(r io.Reader) (Request, error) {
	msg, err := c.read(r)
	if err != nil {
		return Request{}, err
	}
	for _, e := range msg.Wantlist() {
		if e.Cancel {
			continue
		}
		if e.WantType == pb.Message_Wantlist_Have {
			return Have(e.Cid), nil
		}
		return WantBlock(e.Cid), nil
	}
	return Request{}, fmt.Errorf("%w: no wantlist entry", ErrInvalidMessage)
}

func (c *CompatCodec) WriteResponse(w io.Writer, k cid.Cid, resp Response) error {
	msg := bsmsg.New(false)
	switch resp.Type {
	case RequestHave:
		if resp.Have {
			msg.AddHave(k)
		} else {
			msg.AddDontHave(k)
		}
	case RequestBlock:
		blk, err := blocks.NewBlockWithCid(resp.Data, k)
		if err != nil {
			return err
		}
		msg.AddBlock(blk)
	default:
		return fmt.Errorf("%w: response type %d", ErrInvalidMessage, resp.Type)
	}
	return msg.ToNetV1(w)
}

func (c *CompatCodec) ReadResponse(r io.Reader, k cid.Cid) (Response, error) {
	msg, err := c.read(r)
	if err != nil {
		return Response{}, err
	}
	// The block's CID is rebuilt from its prefix and payload. A payload that
	// doesn't hash to k is still handed back so the store rejects it and the
	// sender is treated like any other peer that sent a bad block.
	if blks := msg.Blocks(); len(blks) > 0 {
		for _, blk := range blks {
			if blk.Cid().Equals(k) {
				return BlockAnswer(blk.RawData()), nil
			}
		}
		return BlockAnswer(blks[0].RawData()), nil
	}
	for _, h := range msg.Haves() {
		if h.Equals(k) {
			return HaveAnswer(true), nil
		}
	}
	for _, h := range msg.DontHaves() {
		if h.Equals(k) {
			return HaveAnswer(false), nil
		}
	}
	return Response{}, fmt.Errorf("%w: no answer for %s", ErrInvalidMessage, k)
}

func (c *CompatCodec) read(r io.Reader) (bsmsg.BitSwapMessage, error) {
	reader := msgio.NewVarintReaderSize(r, c.maxMessage)
	msg, _, err := bsmsg.FromMsgReader(reader)
	if err != nil {
		if err == msgio.ErrMsgTooLarge {
			return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
		}
		return nil, err
	}
	return msg, nil
}
