package distfs

import (
	"context"
	"sync"
	"time"

	"github.com/willf/bitset"
	"golang.org/x/time/rate"

	"github.com/pc-1827/vmpi/p2p"
)

// pacingSlot is how much sending the rate limiter lets through in one burst.
const pacingSlot = 10 * time.Millisecond

// MaxDatagramChunkSize is the largest chunk payload that fits one datagram.
const MaxDatagramChunkSize = p2p.MaxDatagramSize - chunkHeaderSize

type chunkRef struct {
	file  int32
	index int32
}

// datagramSender pushes chunks onto the broadcast address or multicast
// group at a fixed rate. A chunk that is already queued is not queued
// again, so a burst of identical retransmission requests costs one send.
type datagramSender struct {
	sock    p2p.Socket
	dest    p2p.Address
	limiter *rate.Limiter
	lookup  func(id int32) *FileRecord

	mu     sync.Mutex
	queue  []chunkRef
	queued map[int32]*bitset.BitSet

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDatagramSender(sock p2p.Socket, dest p2p.Address, perSecond int, lookup func(int32) *FileRecord) *datagramSender {
	burst := max(1, perSecond*int(pacingSlot)/int(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	return &datagramSender{
		sock:    sock,
		dest:    dest,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		lookup:  lookup,
		queued:  make(map[int32]*bitset.BitSet),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// enqueue adds chunks of rec, skipping those already waiting.
func (s *datagramSender) enqueue(rec *FileRecord, indices ...int32) {
	s.mu.Lock()
	q := s.queued[rec.Info.ID]
	if q == nil {
		q = bitset.New(uint(rec.Info.NumChunks))
		s.queued[rec.Info.ID] = q
	}
	for _, i := range indices {
		if i < 0 || i >= rec.Info.NumChunks || q.Test(uint(i)) {
			continue
		}
		q.Set(uint(i))
		s.queue = append(s.queue, chunkRef{file: rec.Info.ID, index: i})
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueueAll queues one full pass over rec.
func (s *datagramSender) enqueueAll(rec *FileRecord) {
	indices := make([]int32, rec.Info.NumChunks)
	for i := range indices {
		indices[i] = int32(i)
	}
	s.enqueue(rec, indices...)
}

func (s *datagramSender) pop() (chunkRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return chunkRef{}, false
	}
	ref := s.queue[0]
	s.queue = s.queue[1:]
	s.queued[ref.file].Clear(uint(ref.index))
	return ref, true
}

func (s *datagramSender) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *datagramSender) run() {
	defer close(s.done)

	var hdr [chunkHeaderSize]byte
	payload := make([]byte, MaxDatagramChunkSize)

	for {
		ref, ok := s.pop()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		rec := s.lookup(ref.file)
		if rec == nil {
			continue
		}
		chunk, err := rec.chunk(ref.index, payload)
		if err != nil {
			logger.Errorf("failed to read chunk %d of %q: %s", ref.index, rec.Info.Name, err)
			continue
		}
		if err := s.sock.SendChunksTo([][]byte{chunkHeader(hdr[:], ref.file, ref.index), chunk}, s.dest); err != nil {
			logger.Warningf("[%s] failed to send chunk %d of %q: %s", s.dest, ref.index, rec.Info.Name, err)
		}
	}
}

func (s *datagramSender) stop() {
	s.cancel()
	<-s.done
}
