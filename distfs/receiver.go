package distfs

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/willf/bitset"

	"github.com/pc-1827/vmpi/crypto"
	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/vmpi"
	"github.com/pc-1827/vmpi/wire"
)

const (
	DefaultRequestsPerTick = 16
	// datagramBatch bounds how many datagrams the stream reader drains
	// before it checks for shutdown.
	datagramBatch = 64
)

type ReceiverOptions struct {
	// Socket receives broadcast/multicast chunks. One is created when the
	// master announces a stream and Socket is nil.
	Socket p2p.Socket
	// Interface selects the interface that joins the multicast group. The
	// zero address lets the system choose.
	Interface p2p.Address
	Backoff   Backoff
	// RequestsPerTick bounds the retransmission requests sent per file on
	// each tick.
	RequestsPerTick int
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	if o.Backoff.Base <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.RequestsPerTick <= 0 {
		o.RequestsPerTick = DefaultRequestsPerTick
	}
	return o
}

// receiveState tracks one file being reassembled.
type receiveState struct {
	info *FileInfo
	have *bitset.BitSet
	data []byte

	// retransmission requests
	retry       *backoff.ExponentialBackOff
	nextRequest time.Time

	done    bool
	content []byte
	err     error
}

func newReceiveState(info *FileInfo, b Backoff) *receiveState {
	st := &receiveState{
		info:  info,
		have:  bitset.New(uint(info.NumChunks)),
		data:  make([]byte, info.StoredSize),
		retry: b.Schedule(),
	}
	st.nextRequest = time.Now().Add(st.retry.NextBackOff())
	return st
}

func (st *receiveState) full() bool {
	return st.have.Count() == uint(st.info.NumChunks)
}

// apply stores one chunk. It reports whether the chunk was new.
func (st *receiveState) apply(index int32, payload []byte) (bool, error) {
	if index < 0 || index >= st.info.NumChunks {
		return false, fmt.Errorf("chunk %d out of range (%d chunks)", index, st.info.NumChunks)
	}
	off := int64(index) * int64(st.info.ChunkSize)
	want := min(int64(st.info.ChunkSize), st.info.StoredSize-off)
	if int64(len(payload)) != want {
		return false, fmt.Errorf("chunk %d has %d bytes, want %d", index, len(payload), want)
	}
	if st.have.Test(uint(index)) {
		return false, nil
	}
	copy(st.data[off:], payload)
	st.have.Set(uint(index))
	return true, nil
}

// missing lists up to limit chunk indices not yet received.
func (st *receiveState) missing(limit int) []int32 {
	var out []int32
	for i := int32(0); i < st.info.NumChunks && len(out) < limit; i++ {
		if !st.have.Test(uint(i)) {
			out = append(out, i)
		}
	}
	return out
}

// finish turns the reassembled chunks into the file's content.
func (st *receiveState) finish() ([]byte, error) {
	content := st.data
	if st.info.Compressed {
		var err error
		if content, err = decompress(st.data, st.info.Size); err != nil {
			return nil, fmt.Errorf("failed to decompress %q: %w", st.info.Name, err)
		}
	}
	if int64(len(content)) != st.info.Size {
		return nil, fmt.Errorf("%q reassembled to %d bytes, want %d", st.info.Name, len(content), st.info.Size)
	}
	if got := crypto.DigestBytes(content); !bytes.Equal(got[:], st.info.Digest) {
		return nil, fmt.Errorf("%q failed digest check: got %s", st.info.Name, got.Short())
	}
	return content, nil
}

// Receiver is the worker side of file distribution.
type Receiver struct {
	ReceiverOptions

	session *vmpi.Session

	mu        sync.Mutex
	files     map[int32]*receiveState
	byName    map[string]*receiveState
	notFound  map[string]bool
	requested map[string]bool
	stream    p2p.Address
	streaming bool
	ownSock   bool

	quit chan struct{}
	done chan struct{}
}

// NewReceiver registers the file system handlers on a worker session. It
// must be called before the session's Init.
func NewReceiver(session *vmpi.Session, opts ReceiverOptions) *Receiver {
	r := &Receiver{
		ReceiverOptions: opts.withDefaults(),
		session:         session,
		files:           make(map[int32]*receiveState),
		byName:          make(map[string]*receiveState),
		notFound:        make(map[string]bool),
		requested:       make(map[string]bool),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	session.RegisterHandler(vmpi.PacketFileSystem, r.handle)
	session.OnTick(r.requestMissing)
	return r
}

func (r *Receiver) handle(buf *wire.Buffer, source int, _ byte) bool {
	if source != vmpi.MasterID {
		return false
	}
	if err := buf.Skip(1); err != nil {
		return false
	}
	sub, err := buf.ReadByte()
	if err != nil {
		return false
	}

	switch sub {
	case SubFileInfo:
		return r.handleFileInfo(buf)
	case SubFileChunk:
		fileID, index, payload, err := readChunk(buf)
		if err != nil {
			return false
		}
		r.receive(fileID, index, payload)
		r.session.SendData(ackMessage(fileID, index), vmpi.MasterID, 0)
		return true
	case SubMulticastAddr:
		addr, err := readStreamAddr(buf)
		if err != nil {
			return false
		}
		if err := r.joinStream(addr); err != nil {
			logger.Errorf("[%s] failed to join file stream: %s", addr, err)
		}
		return true
	case SubFileNotFound:
		name, err := buf.ReadString()
		if err != nil {
			return false
		}
		r.mu.Lock()
		r.notFound[name] = true
		r.mu.Unlock()
		return true
	}
	return false
}

func (r *Receiver) handleFileInfo(buf *wire.Buffer) bool {
	info, err := decodeFileInfo(buf)
	if err != nil {
		logger.Warningf("bad file announcement: %s", err)
		return false
	}

	r.mu.Lock()
	if _, ok := r.files[info.ID]; ok {
		r.mu.Unlock()
		return true
	}
	st := newReceiveState(info, r.Backoff)
	r.files[info.ID] = st
	r.byName[info.Name] = st
	r.mu.Unlock()

	logger.Debugf("expecting %q: %s in %d chunks", info.Name, humanize.IBytes(uint64(info.Size)), info.NumChunks)
	if info.NumChunks == 0 {
		r.complete(st)
	}
	return true
}

// receive applies a chunk from either channel and completes the file when
// it was the last one missing.
func (r *Receiver) receive(fileID, index int32, payload []byte) {
	r.mu.Lock()
	st := r.files[fileID]
	if st == nil || st.done {
		r.mu.Unlock()
		return
	}
	fresh, err := st.apply(index, payload)
	if err != nil {
		r.mu.Unlock()
		logger.Warningf("dropping chunk of %q: %s", st.info.Name, err)
		return
	}
	if !fresh {
		r.mu.Unlock()
		return
	}
	st.retry.Reset()
	st.nextRequest = time.Now().Add(st.retry.NextBackOff())
	full := st.full()
	r.mu.Unlock()

	if full {
		r.complete(st)
	}
}

func (r *Receiver) complete(st *receiveState) {
	content, err := st.finish()

	r.mu.Lock()
	if st.done {
		r.mu.Unlock()
		return
	}
	st.done = true
	st.content, st.err = content, err
	st.data = nil
	r.mu.Unlock()

	if err != nil {
		logger.Errorf("%s", err)
		return
	}
	logger.Infof("received %q (%s)", st.info.Name, humanize.IBytes(uint64(st.info.Size)))
	r.session.SendData(fileIDMessage(SubFileReceived, st.info.ID), vmpi.MasterID, 0)
}

// joinStream starts listening for chunks sent to addr.
func (r *Receiver) joinStream(addr p2p.Address) error {
	r.mu.Lock()
	if r.streaming {
		r.mu.Unlock()
		return nil
	}
	if r.Socket == nil {
		r.Socket = p2p.NewUDPSocket()
		r.ownSock = true
	}
	sock := r.Socket
	r.mu.Unlock()

	if addr.IsMulticast() {
		if err := sock.ListenToMulticastStream(addr, r.Interface); err != nil {
			return err
		}
	} else if sock.LocalAddr().Port == 0 {
		if err := sock.BindToAny(addr.Port); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.stream = addr
	r.streaming = true
	r.mu.Unlock()

	go r.readStream(sock)
	logger.Infof("[%s] listening for file chunks", addr)
	return nil
}

func (r *Receiver) readStream(sock p2p.Socket) {
	defer close(r.done)
	defer r.session.Recover()

	buf := make([]byte, p2p.MaxDatagramSize)
	for {
		select {
		case <-r.quit:
			return
		default:
		}

		dgs, err := p2p.ReadDatagrams(sock, buf, datagramBatch)
		for _, dg := range dgs {
			r.receiveDatagram(dg.Payload)
		}
		if err != nil {
			if errors.Is(err, p2p.ErrNotBound) {
				return
			}
			logger.Warningf("file stream receive failed: %s", err)
		}
		if len(dgs) > 0 {
			continue
		}
		n, _, err := sock.RecvFromTimeout(buf, p2p.PollInterval)
		if n > 0 {
			r.receiveDatagram(buf[:n])
		}
		if errors.Is(err, p2p.ErrNotBound) {
			return
		}
	}
}

func (r *Receiver) receiveDatagram(data []byte) {
	buf := wire.NewBuffer(data)
	id, err := buf.ReadByte()
	if err != nil || id != vmpi.PacketFileSystem {
		return
	}
	if sub, err := buf.ReadByte(); err != nil || sub != SubFileChunk {
		return
	}
	fileID, index, payload, err := readChunk(buf)
	if err != nil {
		return
	}
	r.receive(fileID, index, payload)
}

// requestMissing asks the master again for chunks of files that have gone
// quiet. Over TCP nothing is lost, so it only runs once a stream is joined.
func (r *Receiver) requestMissing() {
	type request struct {
		id      int32
		indices []int32
	}
	var reqs []request

	now := time.Now()
	r.mu.Lock()
	if !r.streaming {
		r.mu.Unlock()
		return
	}
	for id, st := range r.files {
		if st.done || now.Before(st.nextRequest) {
			continue
		}
		missing := st.missing(MaxRequestBatch * r.RequestsPerTick)
		for len(missing) > 0 {
			n := min(len(missing), MaxRequestBatch)
			reqs = append(reqs, request{id, missing[:n]})
			missing = missing[n:]
		}
		st.nextRequest = now.Add(st.retry.NextBackOff())
	}
	r.mu.Unlock()

	for _, req := range reqs {
		logger.Debugf("requesting %d chunks of file %d", len(req.indices), req.id)
		r.session.SendData(requestMessage(req.id, req.indices), vmpi.MasterID, vmpi.SendGroupPackets)
	}
	if len(reqs) > 0 {
		r.session.FlushGroupedPackets()
	}
}

// Received reports whether name has been fully received and verified.
func (r *Receiver) Received(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.byName[cleanName(name)]
	return st != nil && st.done && st.err == nil
}

// Open returns the named file once it has been received, pumping the
// session for up to wait. A name the master has not announced is
// requested from it.
func (r *Receiver) Open(name string, wait time.Duration) (*File, error) {
	name = cleanName(name)

	var (
		f   *File
		err error
	)
	ok := p2p.PollUntil(wait, func() bool {
		r.mu.Lock()
		st := r.byName[name]
		switch {
		case st != nil && st.done:
			if st.err != nil {
				err = st.err
			} else {
				f = newFile(name, st.content)
			}
			r.mu.Unlock()
			return true
		case st == nil && r.notFound[name]:
			err = fmt.Errorf("failed to open %q: %w", name, ErrNotFound)
			r.mu.Unlock()
			return true
		case st == nil && !r.requested[name]:
			r.requested[name] = true
			r.mu.Unlock()
			if err := r.session.SendData(nameMessage(SubFileOpen, name), vmpi.MasterID, 0); err != nil {
				logger.Warningf("failed to request %q: %s", name, err)
			}
		default:
			r.mu.Unlock()
		}

		r.session.HandleSocketErrors(p2p.PollInterval)
		return false
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("timed out after %s waiting for %q", wait, name)
	}
	return f, nil
}

// Close stops the stream reader.
func (r *Receiver) Close() error {
	r.mu.Lock()
	streaming := r.streaming
	r.streaming = false
	r.mu.Unlock()

	if streaming {
		close(r.quit)
		<-r.done
	}
	if r.ownSock {
		return r.Socket.Close()
	}
	return nil
}

func cleanName(name string) string {
	return path.Clean(filepath.ToSlash(name))
}
