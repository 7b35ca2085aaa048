package handlers

import (
	"bytes"
	"sync"
)

// responseBufferPool holds buffers for encoding responses. Record listings
// can be large, so responses are encoded fully before any header is sent.
var responseBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

func getResponseBuffer() *bytes.Buffer {
	buf, ok := responseBufferPool.Get().(*bytes.Buffer)
	if !ok {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	}
	return buf
}

// putResponseBuffer returns buf to the pool. Oversized buffers are dropped
// so one huge listing does not pin its memory forever.
func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1<<20 {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
