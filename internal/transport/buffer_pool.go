package transport

import "sync"

// MaxDatagramSize is the largest UDP payload over IPv4 (65535 minus the
// 8-byte UDP header and 20-byte IP header). IPv6 jumbograms are not supported.
const MaxDatagramSize = 65507

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// GetBuffer returns a pooled buffer of MaxDatagramSize bytes.
// Callers must return it with PutBuffer and must not retain it.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) < MaxDatagramSize {
		return
	}
	*buf = (*buf)[:MaxDatagramSize]
	bufferPool.Put(buf)
}

// Concat joins bufs into a single slice. A single buffer is returned as is;
// otherwise the result is written into a pooled buffer when it fits, and
// release returns that buffer to the pool.
func Concat(bufs [][]byte) (out []byte, release func()) {
	if len(bufs) == 1 {
		return bufs[0], func() {}
	}

	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	if total > MaxDatagramSize {
		out = make([]byte, 0, total)
		for _, b := range bufs {
			out = append(out, b...)
		}
		return out, func() {}
	}

	bufPtr := GetBuffer()
	out = (*bufPtr)[:0]
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out, func() { PutBuffer(bufPtr) }
}
