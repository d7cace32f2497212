package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/media"
)

const (
	rtpClockRate   = 90000
	maxDatagram    = 1500 * 8
	readPollPeriod = 200 * time.Millisecond
)

// RTP receives an RTP/UDP stream and reassembles access units. Packets
// sharing a timestamp form one unit; the marker bit or a new timestamp
// closes it. A sequence gap drops the unit being assembled.
type RTP struct {
	conn   net.PacketConn
	codec  media.Codec
	logger *slog.Logger

	depacketizer depacketizer
	buf          []byte
	ready        []Unit

	started  bool
	firstTS  uint32
	lastSeq  uint16
	pending  []byte
	pendTS   uint32
	damaged  bool
	lost     atomic.Uint64
	received atomic.Uint64
}

type depacketizer interface {
	Unmarshal(payload []byte) ([]byte, error)
}

// ListenRTP binds a UDP socket on addr.
func ListenRTP(addr string, codec media.Codec) (*RTP, error) {
	if !codec.NALFramed() {
		return nil, fmt.Errorf("rtp: unsupported codec %s", codec)
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %s: %w", addr, err)
	}
	return NewRTP(conn, codec), nil
}

// NewRTP reads from an existing packet connection and takes ownership of it.
func NewRTP(conn net.PacketConn, codec media.Codec) *RTP {
	r := &RTP{
		conn:   conn,
		codec:  codec,
		logger: logging.GetLogger("source"),
		buf:    make([]byte, maxDatagram),
	}
	r.resetDepacketizer()
	return r
}

func (r *RTP) resetDepacketizer() {
	if r.codec == media.CodecH265 {
		r.depacketizer = &codecs.H265Packet{}
		return
	}
	r.depacketizer = &codecs.H264Packet{}
}

// Addr returns the local address packets should be sent to.
func (r *RTP) Addr() net.Addr { return r.conn.LocalAddr() }

// Codec implements Source.
func (r *RTP) Codec() media.Codec { return r.codec }

// Received returns the number of packets read.
func (r *RTP) Received() uint64 { return r.received.Load() }

// Lost returns the number of packets missing from sequence gaps.
func (r *RTP) Lost() uint64 { return r.lost.Load() }

// Next implements Source. It returns io.EOF once the connection is closed.
func (r *RTP) Next(ctx context.Context) (Unit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}
		if len(r.ready) > 0 {
			u := r.ready[0]
			r.ready = r.ready[1:]
			return u, nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(readPollPeriod)); err != nil {
			return Unit{}, r.readErr(err)
		}
		n, _, err := r.conn.ReadFrom(r.buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return Unit{}, r.readErr(err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(r.buf[:n]); err != nil {
			r.logger.Debug("Dropping malformed RTP packet", "error", err)
			continue
		}
		r.push(&pkt)
	}
}

func (r *RTP) readErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return fmt.Errorf("rtp: read: %w", err)
}

// push feeds one packet, queueing any unit it completes.
func (r *RTP) push(pkt *rtp.Packet) {
	r.received.Add(1)

	if !r.started {
		r.started = true
		r.firstTS = pkt.Timestamp
		r.pendTS = pkt.Timestamp
	} else {
		gap := pkt.SequenceNumber - r.lastSeq - 1
		if gap != 0 {
			r.lost.Add(uint64(gap))
			r.logger.Debug("RTP sequence gap", "expected", r.lastSeq+1, "got", pkt.SequenceNumber)
			r.resetDepacketizer()
			r.damaged = true
		}
		if pkt.Timestamp != r.pendTS {
			r.flush()
			r.pendTS = pkt.Timestamp
			// lost packets may have opened this unit too
			r.damaged = gap != 0
		}
	}
	r.lastSeq = pkt.SequenceNumber

	if len(pkt.Payload) > 0 {
		data, err := r.depacketizer.Unmarshal(pkt.Payload)
		if err != nil {
			r.logger.Debug("Depacketize failed", "error", err)
			r.resetDepacketizer()
			r.damaged = true
		} else if len(data) > 0 {
			r.pending = appendAnnexB(r.pending, data)
		}
	}

	if pkt.Marker {
		r.flush()
	}
}

// flush closes the unit being assembled. Damaged and empty units are dropped.
func (r *RTP) flush() {
	data, damaged := r.pending, r.damaged
	r.pending, r.damaged = nil, false
	if damaged || len(data) == 0 {
		return
	}
	u := Unit{
		Data: data,
		PTS:  int64(r.pendTS-r.firstTS) * 1_000_000 / rtpClockRate,
	}
	for nal := range decoder.Segments(data) {
		if classify(nal, r.codec).key {
			u.Key = true
			break
		}
	}
	r.ready = append(r.ready, u)
}

// Close implements Source.
func (r *RTP) Close() error {
	return r.conn.Close()
}

// appendAnnexB appends depacketized NAL data, adding a start code when the
// depacketizer returned a bare NAL.
func appendAnnexB(dst, data []byte) []byte {
	if len(stripStartCode(data)) == len(data) {
		dst = append(dst, startCode...)
	}
	return append(dst, data...)
}
