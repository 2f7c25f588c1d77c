package iobuf

import (
	"sync"
	"testing"
)

func TestGet(t *testing.T) {
	t.Run("returns valid buffer", func(t *testing.T) {
		buf := Get()
		defer Put(buf)

		if buf == nil {
			t.Fatal("Get() returned nil")
		}
		if len(*buf) != bufferSize {
			t.Errorf("buffer length = %d, want %d", len(*buf), bufferSize)
		}
	})

	t.Run("buffer reuse after Put", func(t *testing.T) {
		buf1 := Get()
		(*buf1)[0] = 0xAB
		Put(buf1)

		buf2 := Get()
		defer Put(buf2)

		if len(*buf2) != bufferSize {
			t.Errorf("reused buffer length = %d, want %d", len(*buf2), bufferSize)
		}
	})

	t.Run("buffers are independent", func(t *testing.T) {
		buf1 := Get()
		buf2 := Get()
		defer Put(buf1)
		defer Put(buf2)

		(*buf1)[0] = 0x11
		(*buf2)[0] = 0x22

		if (*buf1)[0] != 0x11 {
			t.Errorf("buf1[0] = %x, want 0x11", (*buf1)[0])
		}
		if (*buf2)[0] != 0x22 {
			t.Errorf("buf2[0] = %x, want 0x22", (*buf2)[0])
		}
	})
}

func TestGet_Concurrent(t *testing.T) {
	const goroutines = 16
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				buf := Get()
				if len(*buf) != bufferSize {
					t.Errorf("buffer length = %d, want %d", len(*buf), bufferSize)
					return
				}
				(*buf)[0] = 0xFF
				Put(buf)
			}
		}()
	}

	wg.Wait()
}

func TestPut_NilPointer(t *testing.T) {
	// Should not panic
	Put(nil)
}

func BenchmarkGet(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := Get()
		Put(buf)
	}
}
