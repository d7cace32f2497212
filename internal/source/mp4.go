package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/smazurov/hwdecode/internal/media"
)

// MP4 demuxes the first video track of an MP4 file into access units.
// Progressive and fragmented files are both read; samples are converted to
// Annex-B with the decoder configuration prepended to every sync sample.
type MP4 struct {
	codec media.Codec
	units []Unit
	next  int
}

var errNoVideoTrack = errors.New("no video track found")

// OpenMP4 reads every sample of the file's video track.
func OpenMP4(path string) (*MP4, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return ReadMP4(f)
}

// ReadMP4 demuxes an MP4 from r.
func ReadMP4(r io.ReadSeeker) (*MP4, error) {
	file, err := mp4.DecodeFile(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp4: %w", err)
	}

	m := &MP4{}
	if file.IsFragmented() {
		err = m.readFragmented(file)
	} else {
		err = m.readProgressive(file, r)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Codec implements Source.
func (m *MP4) Codec() media.Codec { return m.codec }

// Next implements Source.
func (m *MP4) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if m.next >= len(m.units) {
		return Unit{}, io.EOF
	}
	u := m.units[m.next]
	m.next++
	return u, nil
}

// Len returns the number of samples read.
func (m *MP4) Len() int { return len(m.units) }

// Close implements Source.
func (m *MP4) Close() error { return nil }

// track is what unit conversion needs from a video trak.
type track struct {
	id        uint32
	timescale uint32
	codec     media.Codec
	config    []byte // parameter sets, Annex-B
}

func findVideoTrack(moov *mp4.MoovBox) (*mp4.TrakBox, track, error) {
	if moov == nil {
		return nil, track{}, errors.New("no moov box found")
	}
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
			continue
		}
		t := track{id: trak.Tkhd.TrackID, timescale: 1000}
		if trak.Mdia.Mdhd != nil && trak.Mdia.Mdhd.Timescale != 0 {
			t.timescale = trak.Mdia.Mdhd.Timescale
		}
		if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
			return nil, track{}, errors.New("video track has no sample description")
		}
		for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
			vse, ok := child.(*mp4.VisualSampleEntryBox)
			if !ok {
				continue
			}
			if err := t.describe(vse); err != nil {
				return nil, track{}, err
			}
			return trak, t, nil
		}
		return nil, track{}, errors.New("video track has no visual sample entry")
	}
	return nil, track{}, errNoVideoTrack
}

// describe sets the codec and Annex-B parameter sets from a sample entry.
func (t *track) describe(vse *mp4.VisualSampleEntryBox) error {
	switch vse.Type() {
	case "avc1", "avc3":
		t.codec = media.CodecH264
		if vse.AvcC != nil {
			for _, sps := range vse.AvcC.SPSnalus {
				t.config = appendNAL(t.config, sps)
			}
			for _, pps := range vse.AvcC.PPSnalus {
				t.config = appendNAL(t.config, pps)
			}
		}
	case "hvc1", "hev1":
		t.codec = media.CodecH265
		if vse.HvcC != nil {
			for _, arr := range vse.HvcC.NaluArrays {
				for _, nal := range arr.Nalus {
					t.config = appendNAL(t.config, nal)
				}
			}
		}
	case "av01":
		t.codec = media.CodecAV1
	default:
		return fmt.Errorf("unsupported sample entry %q", vse.Type())
	}
	return nil
}

// unit converts one sample. AV1 samples are already a temporal unit.
func (t *track) unit(data []byte, pts int64, key bool) Unit {
	if t.codec == media.CodecAV1 {
		return Unit{Data: data, PTS: pts, Key: key}
	}
	annexB := lengthPrefixedToAnnexB(data)
	if key && len(t.config) > 0 {
		buf := make([]byte, 0, len(t.config)+len(annexB))
		buf = append(buf, t.config...)
		annexB = append(buf, annexB...)
	}
	return Unit{Data: annexB, PTS: pts, Key: key}
}

func (t *track) micros(ticks int64) int64 {
	return ticks * 1_000_000 / int64(t.timescale)
}

func (m *MP4) readFragmented(file *mp4.File) error {
	if file.Init == nil {
		return errors.New("fragmented file without init segment")
	}
	_, t, err := findVideoTrack(file.Init.Moov)
	if err != nil {
		return err
	}
	m.codec = t.codec

	var trex *mp4.TrexBox
	if file.Init.Moov.Mvex != nil {
		for _, tr := range file.Init.Moov.Mvex.Trexs {
			if tr.TrackID == t.id {
				trex = tr
				break
			}
		}
	}

	first := true
	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID != t.id {
					continue
				}
				var decodeTime uint64
				if traf.Tfdt != nil {
					decodeTime = traf.Tfdt.BaseMediaDecodeTime()
				}
				samples, err := frag.GetFullSamples(trex)
				if err != nil {
					return fmt.Errorf("get samples: %w", err)
				}
				for _, s := range samples {
					pts := int64(decodeTime) + int64(s.CompositionTimeOffset)
					key := s.Flags == mp4.SyncSampleFlags || first
					m.units = append(m.units, t.unit(s.Data, t.micros(pts), key))
					decodeTime += uint64(s.Dur)
					first = false
				}
			}
		}
	}
	return nil
}

func (m *MP4) readProgressive(file *mp4.File, r io.ReadSeeker) error {
	trak, t, err := findVideoTrack(file.Moov)
	if err != nil {
		return err
	}
	m.codec = t.codec

	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil {
		return errors.New("no stsz box found")
	}
	sync := make(map[uint32]bool)
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			sync[nr] = true
		}
	}

	for nr := uint32(1); nr <= stbl.Stsz.SampleNumber; nr++ {
		data, err := readSample(stbl, r, nr)
		if err != nil {
			return fmt.Errorf("sample %d: %w", nr, err)
		}
		var pts int64
		if stbl.Stts != nil {
			decodeTime, _ := stbl.Stts.GetDecodeTime(nr)
			pts = int64(decodeTime)
		}
		if stbl.Ctts != nil {
			pts += int64(stbl.Ctts.GetCompositionTimeOffset(nr))
		}
		key := sync[nr] || len(sync) == 0
		m.units = append(m.units, t.unit(data, t.micros(pts), key))
	}
	return nil
}

// readSample reads sample nr (1-based) of a progressive file.
func readSample(stbl *mp4.StblBox, r io.ReadSeeker, nr uint32) ([]byte, error) {
	if stbl.Stsc == nil {
		return nil, errors.New("missing stsc box")
	}
	chunkNr, firstInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
	if err != nil {
		return nil, fmt.Errorf("get chunk nr: %w", err)
	}

	var offset uint64
	switch {
	case stbl.Stco != nil:
		offset, err = stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return nil, fmt.Errorf("get chunk offset: %w", err)
		}
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return nil, fmt.Errorf("chunk %d out of range", chunkNr)
		}
		offset = stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return nil, errors.New("no stco or co64 box")
	}
	for s := uint32(firstInChunk); s < nr; s++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
	}

	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to sample: %w", err)
	}
	data := make([]byte, stbl.Stsz.GetSampleSize(int(nr)))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	return data, nil
}

var startCode = []byte{0, 0, 0, 1}

func appendNAL(dst, nal []byte) []byte {
	dst = append(dst, startCode...)
	return append(dst, nal...)
}

// lengthPrefixedToAnnexB replaces the 4-byte big-endian NAL lengths of an
// MP4 sample with start codes. A truncated trailing NAL is dropped.
func lengthPrefixedToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for off := 0; off+4 <= len(data); {
		n := int(data[off])<<24 | int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		off += 4
		if n < 0 || off+n > len(data) {
			break
		}
		out = appendNAL(out, data[off:off+n])
		off += n
	}
	return out
}
