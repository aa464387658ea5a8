package distfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"

	"github.com/pc-1827/vmpi/crypto"
)

// compressMinGain is the smallest size reduction, in percent, that makes a
// file worth storing compressed.
const compressMinGain = 5

// FileRecord is the master's copy of one distributed file. It does not
// change after creation.
type FileRecord struct {
	Info FileInfo

	// stored holds the chunked bytes: the mapped file, or the compressed
	// copy in memory.
	stored io.ReaderAt
	mapped *mmap.ReaderAt
}

// newFileRecord maps path and prepares it for distribution as id.
func newFileRecord(id int32, name, path string, chunkSize int, compress bool) (*FileRecord, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	size := int64(m.Len())

	digest, err := crypto.GenerateDigest(io.NewSectionReader(m, 0, size))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	rec := &FileRecord{
		Info: FileInfo{
			ID:         id,
			Name:       name,
			Size:       size,
			StoredSize: size,
			ChunkSize:  int32(chunkSize),
			Digest:     digest[:],
		},
		stored: m,
		mapped: m,
	}

	if compress && size > 0 {
		packed, err := compressReader(io.NewSectionReader(m, 0, size))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to compress %s: %w", path, err)
		}
		if int64(len(packed))*100 <= size*(100-compressMinGain) {
			rec.Info.Compressed = true
			rec.Info.StoredSize = int64(len(packed))
			rec.stored = bytes.NewReader(packed)
			rec.mapped = nil
			m.Close()
		}
	}
	rec.Info.NumChunks = numChunks(rec.Info.StoredSize, chunkSize)

	logger.Infof("prepared %q: %s in %d chunks (stored %s, compressed %t, digest %s)",
		name, humanize.IBytes(uint64(size)), rec.Info.NumChunks,
		humanize.IBytes(uint64(rec.Info.StoredSize)), rec.Info.Compressed, digest.Short())
	return rec, nil
}

func compressReader(r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompress(data []byte, size int64) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("decompressed to %d bytes, want %d", len(out), size)
	}
	return out, nil
}

// chunk reads chunk index into buf and returns the filled part.
func (r *FileRecord) chunk(index int32, buf []byte) ([]byte, error) {
	if index < 0 || index >= r.Info.NumChunks {
		return nil, fmt.Errorf("chunk %d out of range for %q", index, r.Info.Name)
	}
	off := int64(index) * int64(r.Info.ChunkSize)
	n := min(int64(r.Info.ChunkSize), r.Info.StoredSize-off)
	if int64(len(buf)) < n {
		buf = make([]byte, n)
	}
	if _, err := r.stored.ReadAt(buf[:n], off); err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (r *FileRecord) close() error {
	if r.mapped != nil {
		return r.mapped.Close()
	}
	return nil
}
