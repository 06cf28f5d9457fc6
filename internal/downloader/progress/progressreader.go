package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback,
// at most every reportInterval bytes and once more when the stream ends.
type Reader struct {
	src        io.Reader
	total      int64
	onProgress func(written, total int64)

	written   int64
	sinceLast int64
	interval  int64
}

func NewReader(r io.Reader, total, interval int64, cb func(written, total int64)) *Reader {
	return &Reader{
		src:        r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.written += int64(n)
		r.sinceLast += int64(n)

		if r.sinceLast >= r.interval {
			r.onProgress(r.written, r.total)
			r.sinceLast = 0
		}
	}

	if err == io.EOF && r.sinceLast > 0 {
		r.onProgress(r.written, r.total)
		r.sinceLast = 0
	}

	return n, err
}
