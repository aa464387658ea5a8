package distfs

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pc-1827/vmpi/crypto"
	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/wire"
)

func reassemble(t *testing.T, rec *FileRecord) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, rec.Info.ChunkSize)
	for i := int32(0); i < rec.Info.NumChunks; i++ {
		chunk, err := rec.chunk(i, buf)
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	return out
}

func TestFileRecordPlain(t *testing.T) {
	root := t.TempDir()
	data := randomBytes(11, 3*TCPChunkSize+100)
	writeFile(t, root, "a.bin", data)

	rec, err := newFileRecord(4, "a.bin", filepath.Join(root, "a.bin"), TCPChunkSize, true)
	require.NoError(t, err)
	defer rec.close()

	// random bytes do not compress
	assert.False(t, rec.Info.Compressed)
	assert.Equal(t, int32(4), rec.Info.ID)
	assert.Equal(t, int64(len(data)), rec.Info.StoredSize)
	assert.Equal(t, int32(4), rec.Info.NumChunks)
	want := crypto.DigestBytes(data)
	assert.Equal(t, want[:], rec.Info.Digest)
	assert.Equal(t, data, reassemble(t, rec))

	_, err = rec.chunk(4, nil)
	assert.Error(t, err)
}

func TestFileRecordCompressed(t *testing.T) {
	root := t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	writeFile(t, root, "text.txt", data)

	rec, err := newFileRecord(0, "text.txt", filepath.Join(root, "text.txt"), DatagramChunkSize, true)
	require.NoError(t, err)
	defer rec.close()

	require.True(t, rec.Info.Compressed)
	assert.Less(t, rec.Info.StoredSize, int64(len(data)))
	assert.Equal(t, numChunks(rec.Info.StoredSize, DatagramChunkSize), rec.Info.NumChunks)

	got, err := decompress(reassemble(t, rec), rec.Info.Size)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileRecordMissing(t *testing.T) {
	_, err := newFileRecord(0, "gone", filepath.Join(t.TempDir(), "gone"), TCPChunkSize, false)
	assert.Error(t, err)
}

func TestFileInfoRoundTripAndValidation(t *testing.T) {
	digest := crypto.DigestBytes([]byte("x"))
	info := FileInfo{ID: 2, Name: "maps/x.bsp", Size: 5000, StoredSize: 5000, ChunkSize: 1024, NumChunks: 5, Digest: digest[:]}
	msg, err := encodeFileInfo(&info)
	require.NoError(t, err)

	buf := wire.NewBuffer(msg)
	require.NoError(t, buf.Skip(2))
	got, err := decodeFileInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, info, *got)

	info.NumChunks = 4
	msg, err = encodeFileInfo(&info)
	require.NoError(t, err)
	buf = wire.NewBuffer(msg)
	require.NoError(t, buf.Skip(2))
	_, err = decodeFileInfo(buf)
	assert.Error(t, err)

	info.NumChunks = 5
	info.Digest = digest[:3]
	msg, err = encodeFileInfo(&info)
	require.NoError(t, err)
	buf = wire.NewBuffer(msg)
	require.NoError(t, buf.Skip(2))
	_, err = decodeFileInfo(buf)
	assert.ErrorContains(t, err, "digest is 3 bytes")
}

func TestRequestBatchLimit(t *testing.T) {
	indices := make([]int32, MaxRequestBatch+1)
	buf := wire.NewBuffer(requestMessage(1, indices))
	require.NoError(t, buf.Skip(2))
	_, _, err := readRequest(buf)
	assert.Error(t, err)

	buf = wire.NewBuffer(requestMessage(1, []int32{4, 9}))
	require.NoError(t, buf.Skip(2))
	id, got, err := readRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
	assert.Equal(t, []int32{4, 9}, got)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeTCP, ModeBroadcast, ModeMulticast} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("carrier-pigeon")
	assert.Error(t, err)
	assert.Equal(t, DatagramChunkSize, ModeMulticast.DefaultChunkSize())
	assert.Equal(t, TCPChunkSize, ModeTCP.DefaultChunkSize())
}

func TestDatagramSenderDeduplicatesAndSends(t *testing.T) {
	root := t.TempDir()
	data := randomBytes(12, 3*DatagramChunkSize+10)
	writeFile(t, root, "f", data)
	rec, err := newFileRecord(0, "f", filepath.Join(root, "f"), DatagramChunkSize, false)
	require.NoError(t, err)
	defer rec.close()

	network := newFakeNetwork(0)
	src, dst := network.socket(), network.socket()
	require.NoError(t, dst.BindToAny(DefaultDatagramPort))

	dest := p2p.Address{IP: p2p.BroadcastIP, Port: DefaultDatagramPort}
	s := newDatagramSender(src, dest, DefaultSendRate, func(id int32) *FileRecord { return rec })
	s.enqueueAll(rec)
	s.enqueue(rec, 0, 1, 2, 3)
	assert.Equal(t, 4, s.pending())

	go s.run()
	defer s.stop()

	var got []p2p.Datagram
	require.Eventually(t, func() bool {
		dgs, _ := p2p.ReadDatagrams(dst, make([]byte, p2p.MaxDatagramSize), 16)
		got = append(got, dgs...)
		return len(got) == 4
	}, 2*time.Second, 10*time.Millisecond)

	for i, dg := range got {
		buf := wire.NewBuffer(dg.Payload)
		require.NoError(t, buf.Skip(2))
		fileID, index, payload, err := readChunk(buf)
		require.NoError(t, err)
		assert.Equal(t, int32(0), fileID)
		assert.Equal(t, int32(i), index)
		assert.Equal(t, chunkOf(data, DatagramChunkSize, index), payload)
	}

	// sent chunks may be queued again
	s.enqueue(rec, 2)
	assert.Eventually(t, func() bool { return s.pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}
