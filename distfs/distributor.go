package distfs

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/vmpi"
	"github.com/pc-1827/vmpi/wire"
)

type DistributorOptions struct {
	Mode Mode
	// Root is the directory names passed to Distribute are relative to.
	Root string
	// ChunkSize of zero picks the mode's default. Over broadcast/multicast
	// it is at most MaxDatagramChunkSize.
	ChunkSize int
	// Window is how many unacknowledged chunks a TCP worker may have.
	Window   int
	Compress bool
	// FileTimeout is how long a worker has to acknowledge a file before it
	// is disconnected.
	FileTimeout time.Duration

	// Socket carries broadcast/multicast chunks. One is created when nil.
	Socket p2p.Socket
	// StreamAddr is the multicast group. In broadcast mode only its port is
	// used.
	StreamAddr   p2p.Address
	MulticastTTL int
	// SendRate is in datagrams per second.
	SendRate int
}

func (o DistributorOptions) withDefaults() DistributorOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = o.Mode.DefaultChunkSize()
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.FileTimeout <= 0 {
		o.FileTimeout = DefaultFileTimeout
	}
	if o.StreamAddr == (p2p.Address{}) {
		o.StreamAddr = DefaultMulticastGroup
	}
	if o.Mode == ModeBroadcast {
		o.StreamAddr.IP = p2p.BroadcastIP
	}
	if o.MulticastTTL <= 0 {
		o.MulticastTTL = 1
	}
	if o.SendRate <= 0 {
		o.SendRate = DefaultSendRate
	}
	return o
}

// workerState is what the master tracks per connected worker.
type workerState struct {
	id int
	// waiting maps file IDs the worker has not acknowledged to when they
	// were queued for it.
	waiting map[int32]time.Time

	// TCP mode only.
	queue    []chunkRef
	inFlight int
}

// Distributor is the master side of file distribution. Its handlers and
// hooks run on the session's dispatching goroutine.
type Distributor struct {
	DistributorOptions

	session *vmpi.Session
	sender  *datagramSender
	ownSock bool

	mu      sync.Mutex
	files   []*FileRecord
	byName  map[string]*FileRecord
	workers map[int]*workerState

	scratch []byte
}

// NewDistributor registers the file system handlers on a master session.
// It must be called before the session's Init.
func NewDistributor(session *vmpi.Session, opts DistributorOptions) (*Distributor, error) {
	d := &Distributor{
		DistributorOptions: opts.withDefaults(),
		session:            session,
		byName:             make(map[string]*FileRecord),
		workers:            make(map[int]*workerState),
	}
	if d.Mode.Datagram() && d.ChunkSize > MaxDatagramChunkSize {
		return nil, fmt.Errorf("chunk size %d does not fit a datagram (at most %d)", d.ChunkSize, MaxDatagramChunkSize)
	}
	d.scratch = make([]byte, d.ChunkSize)

	if d.Mode.Datagram() {
		if err := d.openStream(); err != nil {
			return nil, err
		}
	}

	session.RegisterHandler(vmpi.PacketFileSystem, d.handle)
	session.OnConnect(d.onConnect)
	session.OnTick(d.checkTimeouts)
	session.AddDisconnectHandler(d.onDisconnect)
	return d, nil
}

func (d *Distributor) openStream() error {
	if d.Socket == nil {
		sock := p2p.NewUDPSocket()
		if err := sock.BindToAny(0); err != nil {
			return fmt.Errorf("failed to open datagram socket: %w", err)
		}
		if d.Mode == ModeMulticast {
			if err := sock.SetMulticastOptions(d.MulticastTTL, true); err != nil {
				sock.Close()
				return err
			}
		}
		d.Socket = sock
		d.ownSock = true
	}

	d.sender = newDatagramSender(d.Socket, d.StreamAddr, d.SendRate, d.record)
	go func() {
		defer d.session.Recover()
		d.sender.run()
	}()

	// workers learn where to listen before any chunk is sent
	if err := d.session.SendData(streamAddrMessage(d.StreamAddr), vmpi.Persistent, 0); err != nil {
		return fmt.Errorf("failed to announce stream address: %w", err)
	}
	logger.Infof("[%s] distributing files by %s", d.StreamAddr, d.Mode)
	return nil
}

func (d *Distributor) record(id int32) *FileRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || int(id) >= len(d.files) {
		return nil
	}
	return d.files[id]
}

// Distribute sends the file at name, relative to Root, to every worker,
// including those that connect later. A file that cannot be opened is an
// error; distributing the same name twice is a no-op.
func (d *Distributor) Distribute(name string) (*FileRecord, error) {
	name = cleanName(name)

	d.mu.Lock()
	rec, ok := d.byName[name]
	d.mu.Unlock()
	if ok {
		return rec, nil
	}

	rec, err := d.prepare(name)
	if err != nil {
		return nil, err
	}
	return d.announce(rec)
}

// DistributeAll prepares the named files in parallel and then announces
// them in the order given. Nothing is announced if any file fails.
func (d *Distributor) DistributeAll(names []string) error {
	recs := make([]*FileRecord, len(names))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		g.Go(func() error {
			rec, err := d.prepare(cleanName(name))
			recs[i] = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, rec := range recs {
			if rec != nil {
				rec.close()
			}
		}
		return err
	}

	for _, rec := range recs {
		if _, err := d.announce(rec); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) prepare(name string) (*FileRecord, error) {
	return newFileRecord(0, name, filepath.Join(d.Root, filepath.FromSlash(name)), d.ChunkSize, d.Compress)
}

// announce gives rec the next file ID and starts sending it. A name that
// was announced before keeps its first record.
func (d *Distributor) announce(rec *FileRecord) (*FileRecord, error) {
	d.mu.Lock()
	if prev, ok := d.byName[rec.Info.Name]; ok {
		d.mu.Unlock()
		if prev != rec {
			rec.close()
		}
		return prev, nil
	}
	rec.Info.ID = int32(len(d.files))
	d.files = append(d.files, rec)
	d.byName[rec.Info.Name] = rec
	d.mu.Unlock()

	msg, err := encodeFileInfo(&rec.Info)
	if err != nil {
		return nil, err
	}
	if err := d.session.SendData(msg, vmpi.Persistent, 0); err != nil {
		return nil, err
	}

	for _, id := range d.session.Processes() {
		d.queueFor(d.worker(id), rec)
	}
	if d.sender != nil {
		d.sender.enqueueAll(rec)
	}
	return rec, nil
}

// Files lists the distributed files in ID order.
func (d *Distributor) Files() []*FileRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FileRecord(nil), d.files...)
}

// Pending reports whether any worker still has to acknowledge a file.
func (d *Distributor) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if len(w.waiting) > 0 {
			return true
		}
	}
	return false
}

// WaitComplete services the session until every connected worker has
// acknowledged every file, or wait elapses.
func (d *Distributor) WaitComplete(wait time.Duration) bool {
	return p2p.PollUntil(wait, func() bool {
		d.session.HandleSocketErrors(p2p.PollInterval)
		return !d.Pending()
	})
}

func (d *Distributor) worker(id int) *workerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.workers[id]
	if w == nil {
		w = &workerState{id: id, waiting: make(map[int32]time.Time)}
		d.workers[id] = w
	}
	return w
}

// queueFor marks rec as owed to w and, over TCP, queues its chunks.
func (d *Distributor) queueFor(w *workerState, rec *FileRecord) {
	d.mu.Lock()
	if _, ok := w.waiting[rec.Info.ID]; ok {
		d.mu.Unlock()
		return
	}
	w.waiting[rec.Info.ID] = time.Now()
	if d.Mode == ModeTCP {
		for i := int32(0); i < rec.Info.NumChunks; i++ {
			w.queue = append(w.queue, chunkRef{file: rec.Info.ID, index: i})
		}
	}
	d.mu.Unlock()

	if d.Mode == ModeTCP {
		d.service(w)
	}
}

// service sends queued chunks to w until its window is full.
func (d *Distributor) service(w *workerState) {
	var hdr [chunkHeaderSize]byte
	for {
		d.mu.Lock()
		if w.inFlight >= d.Window || len(w.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ref := w.queue[0]
		w.queue = w.queue[1:]
		w.inFlight++
		rec := d.files[ref.file]
		d.mu.Unlock()

		chunk, err := rec.chunk(ref.index, d.scratch)
		if err != nil {
			logger.Errorf("failed to read chunk %d of %q: %s", ref.index, rec.Info.Name, err)
			d.mu.Lock()
			w.inFlight--
			d.mu.Unlock()
			continue
		}
		if err := d.session.Send2Chunks(chunkHeader(hdr[:], ref.file, ref.index), chunk, w.id, 0); err != nil {
			logger.Debugf("[%s] chunk send failed: %s", d.session.MachineName(w.id), err)
			return
		}
	}
}

func (d *Distributor) onConnect(procID int) {
	w := d.worker(procID)
	for _, rec := range d.Files() {
		d.queueFor(w, rec)
	}
}

func (d *Distributor) onDisconnect(procID int, _ string) {
	d.mu.Lock()
	delete(d.workers, procID)
	d.mu.Unlock()
}

func (d *Distributor) checkTimeouts() {
	type late struct {
		proc int
		name string
	}
	var drops []late

	d.mu.Lock()
	for _, w := range d.workers {
		for id, since := range w.waiting {
			if time.Since(since) > d.FileTimeout {
				drops = append(drops, late{w.id, d.files[id].Info.Name})
				break
			}
		}
	}
	d.mu.Unlock()

	for _, l := range drops {
		d.session.Disconnect(l.proc, fmt.Sprintf("file %q not received within %s", l.name, d.FileTimeout))
	}
}

func (d *Distributor) handle(buf *wire.Buffer, source int, _ byte) bool {
	if err := buf.Skip(1); err != nil {
		return false
	}
	sub, err := buf.ReadByte()
	if err != nil {
		return false
	}

	switch sub {
	case SubChunkAck:
		return d.handleAck(buf, source)
	case SubFileReceived:
		return d.handleReceived(buf, source)
	case SubFileRequest:
		return d.handleRequest(buf, source)
	case SubFileOpen:
		return d.handleOpen(buf, source)
	}
	return false
}

func (d *Distributor) handleAck(buf *wire.Buffer, source int) bool {
	if _, err := buf.ReadInt32(); err != nil {
		return false
	}
	d.mu.Lock()
	w := d.workers[source]
	if w != nil && w.inFlight > 0 {
		w.inFlight--
	}
	d.mu.Unlock()

	if w != nil {
		d.service(w)
	}
	return true
}

func (d *Distributor) handleReceived(buf *wire.Buffer, source int) bool {
	id, err := buf.ReadInt32()
	if err != nil {
		return false
	}
	rec := d.record(id)
	if rec == nil {
		return false
	}

	d.mu.Lock()
	if w := d.workers[source]; w != nil {
		delete(w.waiting, id)
	}
	d.mu.Unlock()

	logger.Infof("[%s] received %q", d.session.MachineName(source), rec.Info.Name)
	return true
}

func (d *Distributor) handleRequest(buf *wire.Buffer, source int) bool {
	id, indices, err := readRequest(buf)
	if err != nil {
		logger.Warningf("[%s] bad chunk request: %s", d.session.MachineName(source), err)
		return false
	}
	rec := d.record(id)
	if rec == nil || d.sender == nil {
		return false
	}
	logger.Debugf("[%s] re-sending %d chunks of %q", d.session.MachineName(source), len(indices), rec.Info.Name)
	d.sender.enqueue(rec, indices...)
	return true
}

// handleOpen distributes a file a worker asked for by name.
func (d *Distributor) handleOpen(buf *wire.Buffer, source int) bool {
	name, err := buf.ReadString()
	if err != nil {
		return false
	}
	if _, err := d.Distribute(name); err != nil {
		logger.Warningf("[%s] cannot serve %q: %s", d.session.MachineName(source), name, err)
		d.session.SendData(nameMessage(SubFileNotFound, name), source, 0)
	}
	return true
}

// Close stops the datagram sender and unmaps every file.
func (d *Distributor) Close() error {
	if d.sender != nil {
		d.sender.stop()
	}
	if d.ownSock {
		d.Socket.Close()
	}
	for _, rec := range d.Files() {
		rec.close()
	}
	return nil
}
