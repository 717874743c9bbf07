package packet

import (
	"sync"
	"sync/atomic"
)

const (
	// StandardBufferSize fits any RTP packet that traverses a normal MTU.
	StandardBufferSize = 1500
	// LargeBufferSize is the maximum UDP payload, for aggregated packets.
	LargeBufferSize = 65535
)

// Pool recycles the byte buffers of the RTP forwarding path. Two size
// classes: MTU-sized for the common case and maximum-datagram for
// aggregates. Buffers from other sources are silently not recycled.
type Pool struct {
	standard sync.Pool
	large    sync.Pool

	standardGets   atomic.Uint64
	standardAllocs atomic.Uint64
	largeGets      atomic.Uint64
	largeAllocs    atomic.Uint64
}

// Default is the process-wide pool used by the forwarding path.
var Default = NewPool()

func NewPool() *Pool {
	pool := &Pool{}
	pool.standard.New = func() interface{} {
		pool.standardAllocs.Add(1)
		return make([]byte, StandardBufferSize)
	}
	pool.large.New = func() interface{} {
		pool.largeAllocs.Add(1)
		return make([]byte, LargeBufferSize)
	}
	return pool
}

// Get returns a standard buffer of full class length.
func (p *Pool) Get() []byte {
	p.standardGets.Add(1)
	return p.standard.Get().([]byte)[:StandardBufferSize]
}

func (p *Pool) Put(buf []byte) {
	if cap(buf) >= StandardBufferSize && cap(buf) < LargeBufferSize {
		p.standard.Put(buf[:cap(buf)])
	}
}

func (p *Pool) GetLarge() []byte {
	p.largeGets.Add(1)
	return p.large.Get().([]byte)[:LargeBufferSize]
}

func (p *Pool) PutLarge(buf []byte) {
	if cap(buf) >= LargeBufferSize {
		p.large.Put(buf[:cap(buf)])
	}
}

// GetSized returns a buffer of exactly size bytes from the smallest class
// that fits.
func (p *Pool) GetSized(size int) []byte {
	if size <= StandardBufferSize {
		return p.Get()[:size]
	}
	return p.GetLarge()[:size]
}

// Release returns a buffer to whichever class it came from.
func (p *Pool) Release(buf []byte) {
	if cap(buf) >= LargeBufferSize {
		p.PutLarge(buf)
	} else {
		p.Put(buf)
	}
}

type PoolStats struct {
	StandardAllocs uint64  `json:"standardAllocs"`
	StandardReuses uint64  `json:"standardReuses"`
	LargeAllocs    uint64  `json:"largeAllocs"`
	LargeReuses    uint64  `json:"largeReuses"`
	ReuseRatio     float64 `json:"reuseRatio"`
}

// Stats reports how often buffers were served from the pool versus freshly
// allocated. Reuses are derived, so a Get racing a Stats call can be counted
// on the next read.
func (p *Pool) Stats() PoolStats {
	standardGets := p.standardGets.Load()
	standardAllocs := p.standardAllocs.Load()
	largeGets := p.largeGets.Load()
	largeAllocs := p.largeAllocs.Load()

	stats := PoolStats{
		StandardAllocs: standardAllocs,
		LargeAllocs:    largeAllocs,
	}
	if standardGets > standardAllocs {
		stats.StandardReuses = standardGets - standardAllocs
	}
	if largeGets > largeAllocs {
		stats.LargeReuses = largeGets - largeAllocs
	}

	if gets := standardGets + largeGets; gets > 0 {
		stats.ReuseRatio = float64(stats.StandardReuses+stats.LargeReuses) / float64(gets)
	}
	return stats
}
