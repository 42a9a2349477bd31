// Package dag builds and inspects the Merkle-linked blocks exchanged by
// dagswap.
package dag

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	_ "github.com/ipld/go-codec-dagpb"
	_ "github.com/ipld/go-ipld-prime/codec/dagjson"
	_ "github.com/ipld/go-ipld-prime/codec/raw"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/multicodec"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/traversal"
	mh "github.com/multiformats/go-multihash"
)

// RawPrefix is used for leaf blocks
var RawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// NodePrefix is used for interior blocks
var NodePrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// ErrUnsupportedCodec is returned by Links for codecs with no registered decoder
var ErrUnsupportedCodec = errors.New("unsupported codec")

// NewRawBlock creates a raw leaf block
func NewRawBlock(data []byte) (blocks.Block, error) {
	c, err := RawPrefix.Sum(data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// NewNode creates a dag-cbor block named name that links to children
func NewNode(name string, children []cid.Cid) (blocks.Block, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, 2, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "name", qp.String(name))
		qp.MapEntry(ma, "links", qp.List(int64(len(children)), func(la datamodel.ListAssembler) {
			for _, c := range children {
				qp.ListEntry(la, qp.Link(cidlink.Link{Cid: c}))
			}
		}))
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return nil, fmt.Errorf("failed to encode node: %w", err)
	}
	c, err := NodePrefix.Sum(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(buf.Bytes(), c)
}

// Links returns the CIDs a block links to, in encounter order. Raw blocks
// have no links.
func Links(blk blocks.Block) ([]cid.Cid, error) {
	codec := blk.Cid().Prefix().Codec
	if codec == cid.Raw {
		return nil, nil
	}

	decode, err := multicodec.LookupDecoder(codec)
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedCodec, codec)
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := decode(nb, bytes.NewReader(blk.RawData())); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", blk.Cid(), err)
	}

	lnks, err := traversal.SelectLinks(nb.Build())
	if err != nil {
		return nil, fmt.Errorf("failed to select links of %s: %w", blk.Cid(), err)
	}
	out := make([]cid.Cid, 0, len(lnks))
	for _, l := range lnks {
		cl, ok := l.(cidlink.Link)
		if !ok {
			continue
		}
		out = append(out, cl.Cid)
	}
	return out, nil
}

// Chunk splits r into raw leaves of chunkSize bytes and stacks dag-cbor
// nodes of at most fanout links on top of them. Blocks are returned leaves
// first, the root last.
func Chunk(r io.Reader, name string, chunkSize, fanout int) (cid.Cid, []blocks.Block, error) {
	if chunkSize <= 0 || fanout < 2 {
		return cid.Undef, nil, fmt.Errorf("invalid chunking parameters: size %d fanout %d", chunkSize, fanout)
	}

	var all []blocks.Block
	var layer []cid.Cid
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			leaf, berr := NewRawBlock(data)
			if berr != nil {
				return cid.Undef, nil, berr
			}
			all = append(all, leaf)
			layer = append(layer, leaf.Cid())
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return cid.Undef, nil, err
		}
	}

	if len(layer) == 0 {
		leaf, err := NewRawBlock(nil)
		if err != nil {
			return cid.Undef, nil, err
		}
		return leaf.Cid(), []blocks.Block{leaf}, nil
	}

	for depth := 1; len(layer) > 1; depth++ {
		var next []cid.Cid
		for i := 0; i < len(layer); i += fanout {
			end := min(i+fanout, len(layer))
			node, err := NewNode(fmt.Sprintf("%s/%d/%d", name, depth, i/fanout), layer[i:end])
			if err != nil {
				return cid.Undef, nil, err
			}
			all = append(all, node)
			next = append(next, node.Cid())
		}
		layer = next
	}
	return layer[0], all, nil
}
