package channel

import (
	"bytes"
	"io"

	"github.com/kstaniek/go-sap-host/internal/metrics"
	"github.com/kstaniek/go-sap-host/internal/sap"
)

// maxStreamMsg bounds a plausible channel message on a byte stream. The
// largest real message is the start request; anything claiming more than
// this is garbage and the decoder resyncs past it.
const maxStreamMsg = 4096

// streamChannel reassembles channel messages from a raw byte stream. Serial
// transports fragment and coalesce writes, so Recv buffers input until the
// length declared by a plausible message header is fully available. Bytes
// that cannot start a message are skipped one at a time until the decoder
// realigns.
type streamChannel struct {
	rw  io.ReadWriteCloser
	buf bytes.Buffer
}

func newStreamChannel(rw io.ReadWriteCloser) *streamChannel {
	return &streamChannel{rw: rw}
}

// Send writes one message. Messages are self-framing: the header's Len
// covers the whole encoding, so no extra delimiting is needed on the wire.
func (c *streamChannel) Send(p []byte) (int, error) { return c.rw.Write(p) }

// Recv blocks until one complete message has been reassembled and copies it
// into p. Zero-byte reads (a port read timeout with nothing buffered) are
// retried.
func (c *streamChannel) Recv(p []byte) (int, error) {
	chunk := make([]byte, 512)
	for {
		if msg, ok := c.next(); ok {
			return copy(p, msg), nil
		}
		n, err := c.rw.Read(chunk)
		if n > 0 {
			_, _ = c.buf.Write(chunk[:n])
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// next extracts one complete message from the front of the buffer. Leading
// bytes that do not parse as a plausible header are discarded and counted.
func (c *streamChannel) next() ([]byte, bool) {
	for c.buf.Len() >= sap.ChanHeaderSize {
		data := c.buf.Bytes()
		hdr, err := sap.ParseChanHeader(data)
		if err != nil || !plausibleChanHeader(hdr) {
			metrics.IncMalformed()
			c.buf.Next(1)
			continue
		}
		if int(hdr.Len) > len(data) {
			return nil, false // incomplete; read more
		}
		msg := make([]byte, hdr.Len)
		_, _ = c.buf.Read(msg)
		return msg, true
	}
	return nil, false
}

// plausibleChanHeader gates resynchronization: a known message type and a
// length that covers at least its own header.
func plausibleChanHeader(h sap.ChanHeader) bool {
	if h.Type < sap.ChanMsgStart || h.Type > sap.ChanMsgCheckSharedArea {
		return false
	}
	return h.Len >= sap.ChanHeaderSize && h.Len <= maxStreamMsg
}

func (c *streamChannel) Close() error { return c.rw.Close() }
