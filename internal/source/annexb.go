package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"

	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/media"
)

// DefaultFrameRate is used when an elementary stream has no rate configured.
const DefaultFrameRate = 30.0

// AnnexB reads an H.264 or H.265 elementary stream file and groups its NAL
// units into access units. Timestamps advance by one frame period per unit.
type AnnexB struct {
	codec  media.Codec
	data   []byte
	units  []Unit
	next   int
	period float64
}

// OpenAnnexB loads an elementary stream file.
func OpenAnnexB(path string, codec media.Codec, frameRate float64) (*AnnexB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewAnnexB(data, codec, frameRate), nil
}

// NewAnnexB groups an in-memory elementary stream.
func NewAnnexB(data []byte, codec media.Codec, frameRate float64) *AnnexB {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	a := &AnnexB{codec: codec, data: data, period: 1e6 / frameRate}
	a.units = groupAccessUnits(data, codec)
	for i := range a.units {
		a.units[i].PTS = int64(math.Round(float64(i) * a.period))
	}
	return a
}

// Codec implements Source.
func (a *AnnexB) Codec() media.Codec { return a.codec }

// Next implements Source.
func (a *AnnexB) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if a.next >= len(a.units) {
		return Unit{}, io.EOF
	}
	u := a.units[a.next]
	a.next++
	return u, nil
}

// Len returns the number of access units in the stream.
func (a *AnnexB) Len() int { return len(a.units) }

// Close implements Source.
func (a *AnnexB) Close() error { return nil }

// nalClass is what access unit grouping needs to know about a NAL unit.
type nalClass int

const (
	nalOther     nalClass = iota
	nalDelimiter          // always starts a unit
	nalPrefix             // parameter sets and SEI: start a unit after a picture
	nalPicture            // VCL slice
)

type nalInfo struct {
	class      nalClass
	firstSlice bool
	key        bool
}

// classify inspects one NAL unit, start code included.
func classify(nal []byte, codec media.Codec) nalInfo {
	body := stripStartCode(nal)
	if len(body) == 0 {
		return nalInfo{}
	}

	if codec == media.CodecH265 {
		if len(body) < 3 {
			return nalInfo{}
		}
		t := hevc.GetNaluType(body[0])
		switch {
		case t == hevc.NALU_AUD:
			return nalInfo{class: nalDelimiter}
		case t == hevc.NALU_VPS, t == hevc.NALU_SPS, t == hevc.NALU_PPS, t == hevc.NALU_SEI_PREFIX:
			return nalInfo{class: nalPrefix}
		case t < 32:
			// first_slice_segment_in_pic_flag follows the two byte header
			return nalInfo{class: nalPicture, firstSlice: body[2]&0x80 != 0, key: t >= 16 && t <= 23}
		}
		return nalInfo{}
	}

	if len(body) < 2 {
		return nalInfo{}
	}
	t := avc.GetNaluType(body[0])
	switch t {
	case avc.NALU_AUD:
		return nalInfo{class: nalDelimiter}
	case avc.NALU_SPS, avc.NALU_PPS, avc.NALU_SEI:
		return nalInfo{class: nalPrefix}
	case avc.NALU_NON_IDR, avc.NALU_IDR:
		// first_mb_in_slice == 0 is the single bit '1' in ue(v)
		return nalInfo{class: nalPicture, firstSlice: body[1]&0x80 != 0, key: t == avc.NALU_IDR}
	}
	if t >= 2 && t <= 4 {
		return nalInfo{class: nalPicture, firstSlice: body[1]&0x80 != 0}
	}
	return nalInfo{}
}

// NALTypes lists the nal_unit_type of every NAL unit in an Annex-B unit.
func NALTypes(unit []byte, codec media.Codec) []string {
	var types []string
	for nal := range decoder.Segments(unit) {
		body := stripStartCode(nal)
		if len(body) == 0 {
			continue
		}
		if codec == media.CodecH265 {
			types = append(types, fmt.Sprint(hevc.GetNaluType(body[0])))
		} else {
			types = append(types, fmt.Sprint(avc.GetNaluType(body[0])))
		}
	}
	return types
}

func stripStartCode(nal []byte) []byte {
	switch {
	case len(nal) >= 4 && nal[0] == 0 && nal[1] == 0 && nal[2] == 0 && nal[3] == 1:
		return nal[4:]
	case len(nal) >= 3 && nal[0] == 0 && nal[1] == 0 && nal[2] == 1:
		return nal[3:]
	}
	return nal
}

// groupAccessUnits splits a byte stream into access units. Units alias data.
func groupAccessUnits(data []byte, codec media.Codec) []Unit {
	var (
		units      []Unit
		start      = -1
		end        int
		seenPic    bool
		key        bool
		flushUnits = func() {
			if start >= 0 && seenPic {
				units = append(units, Unit{Data: data[start:end:end], Key: key})
				start, seenPic, key = -1, false, false
			}
		}
	)

	for nal := range decoder.Segments(data) {
		// segments share data's backing array
		pos := cap(data) - cap(nal)

		info := classify(nal, codec)
		switch {
		case info.class == nalDelimiter:
			flushUnits()
		case info.class == nalPrefix && seenPic:
			flushUnits()
		case info.class == nalPicture && info.firstSlice && seenPic:
			flushUnits()
		}

		if start < 0 {
			start = pos
		}
		end = pos + len(nal)
		if info.class == nalPicture {
			seenPic = true
			key = key || info.key
		}
	}
	flushUnits()
	return units
}
