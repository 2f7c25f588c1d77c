// Package iobuf provides a shared buffer pool for bulk file copies.
package iobuf

import "sync"

// bufferSize is 1 MiB: rootfs images are copied once per instance launch,
// so the pool favors copy throughput over small-write granularity.
const bufferSize = 1 << 20

var pool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// Get returns a pooled copy buffer.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func Put(buf *[]byte) {
	if buf == nil {
		return
	}
	pool.Put(buf)
}
