package distfs

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pc-1827/vmpi/vmpi"
)

var fastBackoff = Backoff{Base: 20 * time.Millisecond, Factor: 2, Max: 200 * time.Millisecond, Jitter: 0.25}

func randomBytes(seed uint64, n int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}

func writeFile(t *testing.T, root, name string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func sessionOptions(mode vmpi.Mode, name string) vmpi.SessionOptions {
	return vmpi.SessionOptions{
		Mode:           mode,
		ListenAddress:  "127.0.0.1:0",
		ConnectTimeout: 5 * time.Second,
		MachineName:    name,
		Directories:    vmpi.Directories{GameDir: "/job/game", QDir: "/job/q"},
	}
}

// testCluster runs a master session and its Distributor on a goroutine of
// its own, the way the launcher's foreground loop does.
type testCluster struct {
	t       *testing.T
	master  *vmpi.Session
	dist    *Distributor
	work    chan func()
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func newCluster(t *testing.T, opts DistributorOptions, minWorkers int) *testCluster {
	t.Helper()
	mopts := sessionOptions(vmpi.ModeMaster, "master")
	mopts.MinWorkers = minWorkers
	master := vmpi.NewSession(mopts)

	dist, err := NewDistributor(master, opts)
	require.NoError(t, err)
	require.NoError(t, master.Listen())

	c := &testCluster{
		t:      t,
		master: master,
		dist:   dist,
		work:   make(chan func()),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.Cleanup(func() {
		close(c.stop)
		if c.started {
			<-c.done
		}
		dist.Close()
		master.Close()
	})
	return c
}

// start runs the master's Init and then keeps its session serviced.
func (c *testCluster) start() {
	c.started = true
	go func() {
		defer close(c.done)
		if err := c.master.Init(context.Background()); err != nil {
			c.t.Errorf("master init: %s", err)
			return
		}
		for {
			select {
			case <-c.stop:
				return
			case f := <-c.work:
				f()
			default:
				c.master.HandleSocketErrors(10 * time.Millisecond)
			}
		}
	}()
}

// onMaster runs f on the master's dispatching goroutine.
func (c *testCluster) onMaster(f func()) {
	finished := make(chan struct{})
	c.work <- func() {
		f()
		close(finished)
	}
	<-finished
}

func (c *testCluster) newWorker(name string, opts ReceiverOptions) (*vmpi.Session, *Receiver) {
	c.t.Helper()
	wopts := sessionOptions(vmpi.ModeWorker, name)
	wopts.MasterAddr = c.master.ListenAddr()
	w := vmpi.NewSession(wopts)
	r := NewReceiver(w, opts)
	c.t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func readAll(t *testing.T, f *File) []byte {
	t.Helper()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func TestTCPDistribution(t *testing.T) {
	root := t.TempDir()
	files := map[string][]byte{
		"maps/arena.bsp": randomBytes(1, 200*1024+17),
		"small.txt":      []byte("brushes and lights\n"),
		"empty.dat":      nil,
	}
	for name, data := range files {
		writeFile(t, root, name, data)
	}

	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: root, Window: 4}, 2)
	for name := range files {
		_, err := c.dist.Distribute(name)
		require.NoError(t, err)
	}
	c.start()

	w1, r1 := c.newWorker("w1", ReceiverOptions{})
	w2, r2 := c.newWorker("w2", ReceiverOptions{})

	var g errgroup.Group
	for i, pair := range []struct {
		s *vmpi.Session
		r *Receiver
	}{{w1, r1}, {w2, r2}} {
		g.Go(func() error {
			if err := pair.s.Init(context.Background()); err != nil {
				return err
			}
			for name, want := range files {
				f, err := pair.r.Open(name, 10*time.Second)
				if err != nil {
					return err
				}
				got, err := io.ReadAll(f)
				if err != nil {
					return err
				}
				if !bytes.Equal(want, got) {
					t.Errorf("worker %d: content of %q differs", i+1, name)
				}
				f.Close()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.True(t, r1.Received("maps/arena.bsp"))
	assert.True(t, r2.Received("./small.txt"))
	assert.Eventually(t, func() bool { return !c.dist.Pending() }, 5*time.Second, 10*time.Millisecond)
}

func TestCompressedFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	data := bytes.Repeat([]byte("light_environment 255 255 255 200\n"), 4096)
	writeFile(t, root, "lights.rad", data)

	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: root, Compress: true}, 1)
	rec, err := c.dist.Distribute("lights.rad")
	require.NoError(t, err)
	assert.True(t, rec.Info.Compressed)
	assert.Less(t, rec.Info.StoredSize, rec.Info.Size)
	c.start()

	w, r := c.newWorker("w1", ReceiverOptions{})
	require.NoError(t, w.Init(context.Background()))

	f, err := r.Open("lights.rad", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), f.Size())
	assert.Equal(t, data, readAll(t, f))
}

func TestOpenOnDemandAndNotFound(t *testing.T) {
	root := t.TempDir()
	data := randomBytes(2, 5000)
	writeFile(t, root, "models/crate.mdl", data)

	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: root}, 1)
	c.start()

	w, r := c.newWorker("w1", ReceiverOptions{})
	require.NoError(t, w.Init(context.Background()))

	f, err := r.Open("models/crate.mdl", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "models/crate.mdl", f.Name())

	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 4000)
	require.NoError(t, err)
	assert.Equal(t, data[4000:4100], buf[:n])

	require.NoError(t, f.Close())
	_, err = f.Read(buf)
	assert.ErrorIs(t, err, os.ErrClosed)

	_, err = r.Open("models/missing.mdl", 10*time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenTimesOut(t *testing.T) {
	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: t.TempDir()}, 1)
	c.start()

	w, r := c.newWorker("w1", ReceiverOptions{})
	require.NoError(t, w.Init(context.Background()))

	// a zero wait gives up after one round
	_, err := r.Open("never.txt", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDistributeMissingFileFails(t *testing.T) {
	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: t.TempDir()}, 0)
	_, err := c.dist.Distribute("nope.bsp")
	assert.Error(t, err)
	assert.Empty(t, c.dist.Files())
}

func TestSlowWorkerIsDisconnected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.bin", randomBytes(3, 64*1024))

	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: root, FileTimeout: 200 * time.Millisecond}, 1)
	_, err := c.dist.Distribute("big.bin")
	require.NoError(t, err)
	c.start()

	// a worker without a receiver never acknowledges anything
	wopts := sessionOptions(vmpi.ModeWorker, "mute")
	wopts.MasterAddr = c.master.ListenAddr()
	w := vmpi.NewSession(wopts)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.Init(context.Background()))

	assert.Eventually(t, func() bool {
		return c.master.NumDisconnects() == 1 && !c.dist.Pending()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBroadcastCompletesDespiteLoss(t *testing.T) {
	root := t.TempDir()
	data := randomBytes(4, 96*1024+5)
	writeFile(t, root, "maps/lossy.bsp", data)

	network := newFakeNetwork(0.2)
	c := newCluster(t, DistributorOptions{Mode: ModeBroadcast, Root: root, Socket: network.socket()}, 2)
	c.start()

	workers := make([]*Receiver, 2)
	sessions := make([]*vmpi.Session, 2)
	for i, name := range []string{"w1", "w2"} {
		sessions[i], workers[i] = c.newWorker(name, ReceiverOptions{Socket: network.socket(), Backoff: fastBackoff})
	}

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return s.Init(context.Background()) })
	}
	require.NoError(t, g.Wait())

	c.onMaster(func() {
		rec, err := c.dist.Distribute("maps/lossy.bsp")
		if assert.NoError(t, err) {
			assert.Equal(t, int32(97), rec.Info.NumChunks)
		}
	})

	var opens errgroup.Group
	for i, r := range workers {
		opens.Go(func() error {
			f, err := r.Open("maps/lossy.bsp", 20*time.Second)
			if err != nil {
				return err
			}
			got, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			if !bytes.Equal(data, got) {
				t.Errorf("worker %d: content differs", i+1)
			}
			return nil
		})
	}
	require.NoError(t, opens.Wait())

	_, dropped := network.stats()
	assert.Positive(t, dropped)
	assert.Eventually(t, func() bool { return !c.dist.Pending() }, 5*time.Second, 10*time.Millisecond)
}

func TestLateMulticastJoinerCompletes(t *testing.T) {
	root := t.TempDir()
	data := randomBytes(5, 40*1024)
	writeFile(t, root, "shaders.txt", data)

	network := newFakeNetwork(0.1)
	c := newCluster(t, DistributorOptions{Mode: ModeMulticast, Root: root, Socket: network.socket()}, 1)
	c.start()

	early, er := c.newWorker("early", ReceiverOptions{Socket: network.socket(), Backoff: fastBackoff})
	require.NoError(t, early.Init(context.Background()))
	c.onMaster(func() {
		_, err := c.dist.Distribute("shaders.txt")
		assert.NoError(t, err)
	})

	f, err := er.Open("shaders.txt", 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, f))

	// the first pass is long gone when this one joins the group
	late, lr := c.newWorker("late", ReceiverOptions{Socket: network.socket(), Backoff: fastBackoff})
	require.NoError(t, late.Init(context.Background()))

	f, err = lr.Open("shaders.txt", 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, f))
	assert.Eventually(t, func() bool { return !c.dist.Pending() }, 5*time.Second, 10*time.Millisecond)
}

func TestDistributeAllAnnouncesInOrder(t *testing.T) {
	root := t.TempDir()
	names := []string{"c.txt", "a.txt", "sub/b.txt"}
	for i, name := range names {
		writeFile(t, root, name, randomBytes(uint64(20+i), 100*(i+1)))
	}

	c := newCluster(t, DistributorOptions{Mode: ModeTCP, Root: root}, 0)
	require.NoError(t, c.dist.DistributeAll(append(names, "a.txt")))

	files := c.dist.Files()
	require.Len(t, files, 3)
	for i, rec := range files {
		assert.Equal(t, int32(i), rec.Info.ID)
		assert.Equal(t, names[i], rec.Info.Name)
	}

	err := c.dist.DistributeAll([]string{"d.txt", "missing.txt"})
	assert.Error(t, err)
	assert.Len(t, c.dist.Files(), 3)
}

func TestDistributorRejectsChunksLargerThanADatagram(t *testing.T) {
	network := newFakeNetwork(0)
	for _, mode := range []Mode{ModeBroadcast, ModeMulticast} {
		master := vmpi.NewSession(sessionOptions(vmpi.ModeMaster, "master"))
		_, err := NewDistributor(master, DistributorOptions{Mode: mode, ChunkSize: 70000, Socket: network.socket()})
		assert.ErrorContains(t, err, "datagram", "%s", mode)
		master.Close()
	}

	master := vmpi.NewSession(sessionOptions(vmpi.ModeMaster, "master"))
	defer master.Close()
	dist, err := NewDistributor(master, DistributorOptions{Mode: ModeBroadcast, ChunkSize: MaxDatagramChunkSize, Socket: network.socket()})
	require.NoError(t, err)
	dist.Close()

	tcp := vmpi.NewSession(sessionOptions(vmpi.ModeMaster, "master"))
	defer tcp.Close()
	dist, err = NewDistributor(tcp, DistributorOptions{Mode: ModeTCP, ChunkSize: 70000})
	require.NoError(t, err)
	dist.Close()
}
