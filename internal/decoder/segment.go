package decoder

import "iter"

// scanWindow is the number of trailing bytes never scanned for a start code.
const scanWindow = 4

// Segments splits an Annex-B access unit into NAL units. Each segment starts
// at a start code and runs up to the next one; the last runs to the end of
// buf. Bytes before the first start code are skipped. A buffer without a
// start code, or too short to scan, is yielded whole. An empty buffer
// yields nothing.
func Segments(buf []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if len(buf) == 0 {
			return
		}
		start, n := nextStartCode(buf, 0)
		if start < 0 {
			yield(buf)
			return
		}
		for {
			next, nn := nextStartCode(buf, start+n)
			if next < 0 {
				yield(buf[start:])
				return
			}
			if !yield(buf[start:next]) {
				return
			}
			start, n = next, nn
		}
	}
}

// nextStartCode returns the offset and length of the first start code at or
// after from, or -1.
func nextStartCode(buf []byte, from int) (int, int) {
	for i := from; len(buf)-i > scanWindow; i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+2] == 0 && buf[i+3] == 1 {
			return i, 4
		}
		if buf[i+2] == 1 {
			return i, 3
		}
	}
	return -1, 0
}
