package buffer

import (
	"fmt"
	"sync"

	dcm "github.com/samsamfire/godcm"
	log "github.com/sirupsen/logrus"
)

// Size of a negative response : 0x7F, SID, NRC
const NrcLength = 3

// Ownership state of a buffer
type State uint8

const (
	StateFree State = iota
	StateProtocol
	StateTransport
)

var stateMap = map[State]string{
	StateFree:      "FREE",
	StateProtocol:  "PROTOCOL",
	StateTransport: "TRANSPORT",
}

func (s State) String() string {
	return stateMap[s]
}

type Buffer struct {
	id     int
	Data   []byte
	Length int
	state  State
}

func (b *Buffer) ID() int {
	return b.id
}

func (b *Buffer) State() State {
	return b.state
}

// Filled part of the buffer
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.Length]
}

// Fixed set of equally sized buffers shared by all protocols
type Pool struct {
	mu      sync.Mutex
	buffers []*Buffer
}

func NewPool(count int, size int) (*Pool, error) {
	if count <= 0 || size < NrcLength {
		return nil, dcm.ErrIllegalArgument
	}
	p := &Pool{buffers: make([]*Buffer, count)}
	for i := range p.buffers {
		p.buffers[i] = &Buffer{id: i, Data: make([]byte, size)}
	}
	return p, nil
}

// Size of each buffer
func (p *Pool) Size() int {
	return len(p.buffers[0].Data)
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, b := range p.buffers {
		if b.state == StateFree {
			count++
		}
	}
	return count
}

// Take a free buffer, it becomes owned by a protocol
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get()
}

func (p *Pool) get() (*Buffer, error) {
	for _, b := range p.buffers {
		if b.state == StateFree {
			b.state = StateProtocol
			b.Length = 0
			return b, nil
		}
	}
	return nil, dcm.ErrNoBuffer
}

// Change buffer ownership between protocol and transport
func (p *Pool) Give(b *Buffer, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.state == StateFree {
		log.Warnf("[BUF] buffer %v is free, cannot give it to %v", b.id, state)
		return
	}
	b.state = state
}

func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b.state = StateFree
	b.Length = 0
}

// Allocate the rx, tx and nrc buffers of a job, rx is filled with the request
func (p *Pool) Acquire(request []byte) (*Set, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(request) > len(p.buffers[0].Data) {
		return nil, fmt.Errorf("%w : request of %v bytes", dcm.ErrBufferTooSmall, len(request))
	}
	var taken []*Buffer
	for i := 0; i < 3; i++ {
		b, err := p.get()
		if err != nil {
			for _, t := range taken {
				t.state = StateFree
			}
			return nil, err
		}
		taken = append(taken, b)
	}
	rx, tx, nrc := taken[0], taken[1], taken[2]
	rx.Length = copy(rx.Data, request)
	return &Set{pool: p, Rx: rx, Tx: tx, Nrc: nrc}, nil
}

// Buffers owned by one job. Release must be called exactly once,
// from whichever path ends the job.
type Set struct {
	pool     *Pool
	Rx       *Buffer
	Tx       *Buffer
	Nrc      *Buffer
	released bool
}

func (s *Set) Released() bool {
	return s == nil || s.released
}

// Give all buffers back to the pool
func (s *Set) Release() error {
	if s == nil || s.released {
		return dcm.ErrAlreadyReleased
	}
	s.released = true
	s.pool.Free(s.Rx)
	s.pool.Free(s.Tx)
	s.pool.Free(s.Nrc)
	s.Rx, s.Tx, s.Nrc = nil, nil, nil
	return nil
}
