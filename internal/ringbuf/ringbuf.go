// Package ringbuf implements the lock-free single-producer/single-consumer
// byte queue that moves window events between a worker process and the
// orchestrator process. Two shared-memory segments back each buffer: a data
// region holding length-prefixed key/value frames, and a 24-byte index
// region holding a duplicated read/write cursor pair.
//
// Exactly one producer process may call Write and exactly one consumer
// process may call Read on a given Buffer. There are no locks and no atomic
// read-modify-write instructions; correctness rests on each 32-bit index
// field being owned by a single side and on the duplicated-half equality
// check detecting any write still in flight.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"
)

const (
	// DataSize is the capacity of the ring in bytes. Must be a power of two.
	DataSize = 1 << 22 // 4 MiB — holds roughly 10k encoded window aggregates.
	// Mask converts a monotonically increasing byte offset into a position
	// within [0, DataSize).
	Mask = DataSize - 1

	// slackSize is extra room appended after DataSize so a record straddling
	// the end of the ring can be written contiguously before its masked
	// write offset wraps back to 0. Four page-sized slots is enough for the
	// largest window aggregate this system encodes.
	slackSize = 4 * 4096

	dataSegmentSize  = DataSize + slackSize
	indexSegmentSize = 24
	frameHeaderSize  = 8 // u32 key_len + u32 value_len, little-endian
)

// Buffer is one process's endpoint onto a shared-memory ring. The producer
// and consumer each hold their own *Buffer over the same two segments.
type Buffer struct {
	data  []byte
	index []byte

	dataFile  *os.File
	indexFile *os.File

	DataName  string
	IndexName string
}

// Create allocates two new POSIX shared-memory segments and returns a
// Buffer attached to them. Call Create from the side that owns the
// lifetime of the segments (the orchestrator); pass DataName/IndexName to
// the peer process, which attaches with Open.
func Create() (*Buffer, error) {
	suffix := fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	dataName := "winpipe-data-" + suffix
	indexName := "winpipe-index-" + suffix

	dataFile, data, err := mmapSegment(dataName, dataSegmentSize, true)
	if err != nil {
		return nil, fmt.Errorf("create data segment: %w", err)
	}
	indexFile, index, err := mmapSegment(indexName, indexSegmentSize, true)
	if err != nil {
		syscall.Munmap(data)
		dataFile.Close()
		os.Remove(shmPath(dataName))
		return nil, fmt.Errorf("create index segment: %w", err)
	}

	return &Buffer{
		data:      data,
		index:     index,
		dataFile:  dataFile,
		indexFile: indexFile,
		DataName:  dataName,
		IndexName: indexName,
	}, nil
}

// Open attaches to segments previously created by Create in another process.
func Open(dataName, indexName string) (*Buffer, error) {
	dataFile, data, err := mmapSegment(dataName, dataSegmentSize, false)
	if err != nil {
		return nil, fmt.Errorf("open data segment %q: %w", dataName, err)
	}
	indexFile, index, err := mmapSegment(indexName, indexSegmentSize, false)
	if err != nil {
		syscall.Munmap(data)
		dataFile.Close()
		return nil, fmt.Errorf("open index segment %q: %w", indexName, err)
	}

	return &Buffer{
		data:      data,
		index:     index,
		dataFile:  dataFile,
		indexFile: indexFile,
		DataName:  dataName,
		IndexName: indexName,
	}, nil
}

// Close unmaps this endpoint's view of the segments. It does not unlink
// the underlying shared-memory files; call Unlink from the owning side
// (the orchestrator, after confirming the worker process has exited and
// its buffer is drained).
func (b *Buffer) Close() error {
	var firstErr error
	if err := syscall.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := syscall.Munmap(b.index); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.dataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.indexFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Unlink removes the shared-memory backing files. Only the process that
// called Create should call Unlink, and only after every peer has closed
// its endpoint.
func (b *Buffer) Unlink() {
	os.Remove(shmPath(b.DataName))
	os.Remove(shmPath(b.IndexName))
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

func mmapSegment(name string, size int, create bool) (*os.File, []byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(shmPath(name), flags, 0600)
	if err != nil {
		return nil, nil, err
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, data, nil
}

// Write frames (key, value) and appends it to the ring. It returns false
// without mutating anything when the buffer does not currently have room;
// the caller (the worker process) must back off briefly and retry. Write
// must be called by only one process per Buffer pair.
func (b *Buffer) Write(key, value []byte) bool {
	return writeRecord(b.data, b.index, Mask, key, value)
}

// Read pops the oldest framed record, or reports ok=false when the buffer
// is currently empty. Read must be called by only one process per Buffer
// pair.
func (b *Buffer) Read() (key, value []byte, ok bool) {
	return readRecord(b.data, b.index, Mask)
}

// writeRecord and readRecord hold the actual ring algorithm, parameterized
// by mask so tests can exercise it over a small buffer instead of the
// production 4 MiB one.
func writeRecord(data, index []byte, mask uint32, key, value []byte) bool {
	rFrom, endMarker, wTo := readIndex(index)

	recordLen := frameHeaderSize + len(key) + len(value)

	if endMarker > 0 {
		// The writer is ahead of the reader within the current lap; it may
		// not catch up to or pass r_from.
		if wTo >= rFrom {
			return false
		}
	}

	wToNew := wTo + uint32(recordLen)

	if endMarker > 0 {
		if wToNew > rFrom {
			return false
		}
	}

	putFrame(data, int(wTo), key, value)

	wToNewMasked := wToNew & mask

	var marker *int32
	if wToNew > wToNewMasked {
		m := int32(wToNew)
		marker = &m
	}
	writeOffsetW(index, wToNewMasked, marker)

	return true
}

func readRecord(data, index []byte, mask uint32) (key, value []byte, ok bool) {
	rFrom, endMarker, wTo := readIndex(index)

	if rFrom == wTo && (endMarker == -1 || endMarker == 0) {
		return nil, nil, false
	}

	nextOffset, k, v := readFrame(data, int(rFrom))
	nextRFrom := uint32(nextOffset) & mask

	writeOffsetR(index, nextRFrom, nextRFrom <= rFrom)

	return k, v, true
}

// putFrame writes the [u32 key_len][u32 value_len][key][value] frame at
// offset and returns nothing; the caller has already verified there is
// room (including slack) for the frame.
func putFrame(data []byte, offset int, key, value []byte) {
	binary.LittleEndian.PutUint32(data[offset:offset+4], uint32(len(key)))
	binary.LittleEndian.PutUint32(data[offset+4:offset+8], uint32(len(value)))
	offset += frameHeaderSize
	copy(data[offset:offset+len(key)], key)
	offset += len(key)
	copy(data[offset:offset+len(value)], value)
}

// readFrame decodes one frame starting at offset and returns the
// (unmasked) offset just past it along with copies of the key and value.
func readFrame(data []byte, offset int) (nextOffset int, key, value []byte) {
	keyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
	valLen := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
	offset += frameHeaderSize

	key = make([]byte, keyLen)
	copy(key, data[offset:offset+int(keyLen)])
	offset += int(keyLen)

	value = make([]byte, valLen)
	copy(value, data[offset:offset+int(valLen)])
	offset += int(valLen)

	return offset, key, value
}

// readIndex reads both redundant halves of the index and retries until
// they agree, guaranteeing the returned triple was a quiescent snapshot
// shared by producer and consumer at some instant. It never returns a
// torn read.
func readIndex(index []byte) (rFrom uint32, endMarker int32, wTo uint32) {
	for {
		r1 := binary.LittleEndian.Uint32(index[0:4])
		m1 := int32(binary.LittleEndian.Uint32(index[4:8]))
		w1 := binary.LittleEndian.Uint32(index[8:12])
		r2 := binary.LittleEndian.Uint32(index[12:16])
		m2 := int32(binary.LittleEndian.Uint32(index[16:20]))
		w2 := binary.LittleEndian.Uint32(index[20:24])

		if r1 == r2 && m1 == m2 && w1 == w2 {
			return r1, m1, w1
		}
	}
}

// writeOffsetR is called only by the consumer. It updates r_from (and,
// when resetMarker is set, resets end_marker to -1 to record that the
// reader has observed the writer's wrap) in both halves of the index.
func writeOffsetR(index []byte, rFrom uint32, resetMarker bool) {
	binary.LittleEndian.PutUint32(index[0:4], rFrom)
	if resetMarker {
		binary.LittleEndian.PutUint32(index[4:8], ^uint32(0)) // int32(-1)
	}

	binary.LittleEndian.PutUint32(index[12:16], rFrom)
	if resetMarker {
		binary.LittleEndian.PutUint32(index[16:20], ^uint32(0)) // int32(-1)
	}
}

// writeOffsetW is called only by the producer. It updates w_to (and, when
// endMarker is non-nil, end_marker alongside it) in both halves of the
// index.
func writeOffsetW(index []byte, wTo uint32, endMarker *int32) {
	if endMarker != nil {
		binary.LittleEndian.PutUint32(index[4:8], uint32(*endMarker))
		binary.LittleEndian.PutUint32(index[8:12], wTo)
		binary.LittleEndian.PutUint32(index[16:20], uint32(*endMarker))
		binary.LittleEndian.PutUint32(index[20:24], wTo)
		return
	}
	binary.LittleEndian.PutUint32(index[8:12], wTo)
	binary.LittleEndian.PutUint32(index[20:24], wTo)
}
