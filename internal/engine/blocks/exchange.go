package blocks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-varint"
)

// Frames are a uvarint length followed by that many bytes. A request
// carries the CID bytes; a response carries the block, with length zero
// meaning the peer does not have it.

func writeFrame(w io.Writer, b []byte) error {
	if _, err := w.Write(varint.ToUvarint(uint64(len(b)))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) serve(s network.Stream) {
	defer func() { _ = s.Close() }()
	req, err := readFrame(bufio.NewReader(s), 256)
	if err != nil {
		_ = s.Reset()
		return
	}
	c, err := cid.Cast(req)
	if err != nil {
		_ = s.Reset()
		return
	}
	data, err := e.getLocal(c)
	if err != nil {
		data = nil
	}
	if err := writeFrame(s, data); err != nil {
		_ = s.Reset()
	}
}

var errNoPeerHasBlock = errors.New("no connected peer has the block")

// fetch asks every connected peer in turn and keeps the first answer whose
// hash matches c.
func (e *Engine) fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	if e.net == nil {
		return nil, errNoPeerHasBlock
	}
	h := e.net.Host()
	if h == nil {
		return nil, errNoPeerHasBlock
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	for _, p := range h.Network().Peers() {
		s, err := h.NewStream(ctx, p, ProtocolID)
		if err != nil {
			continue
		}
		data, err := e.request(s, c)
		if err != nil {
			e.log.Debug("block request failed", "peer", p.String(), "cid", c.String(), "error", err)
			continue
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, errNoPeerHasBlock
}

func (e *Engine) request(s network.Stream, c cid.Cid) ([]byte, error) {
	defer func() { _ = s.Close() }()
	if err := writeFrame(s, c.Bytes()); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	data, err := readFrame(bufio.NewReader(s), MaxBlockSize)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(c) {
		return nil, fmt.Errorf("peer sent a block that does not hash to %s", c)
	}
	return data, nil
}
