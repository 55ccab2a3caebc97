package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Reader reads packets from a journal segment file.
type Reader struct {
	path string
	file *os.File

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	PacketsRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader creates a new WAL reader for a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	// Verify header
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadAll reads every intact record of the segment. Reading stops at the
// first torn or corrupt record, which is where a crash interrupted the
// writer; the packets before it are returned.
func (r *Reader) ReadAll() ([]types.Packet, error) {
	var all []types.Packet

	for {
		packets, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.stats.CorruptRecords++
			break
		}

		all = append(all, packets...)
	}

	return all, nil
}

// ReadRecord reads the next record from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadRecord() ([]types.Packet, error) {
	// Read record header
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// Sanity check length
	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	// Read payload
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	// Verify CRC
	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	packets, err := decodePackets(payload)
	if err != nil {
		return nil, fmt.Errorf("decode packets: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.PacketsRead += int64(len(packets))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return packets, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment is a convenience function to read all packets from a segment file.
func ReadSegment(path string) ([]types.Packet, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// ReadDir returns the packets of every segment in dir, oldest segment first.
// A missing directory holds no packets.
func ReadDir(dir string) ([]types.Packet, error) {
	var all []types.Packet
	_, err := Walk(dir, func(p types.Packet) error {
		all = append(all, p)
		return nil
	})
	return all, err
}

// Walk calls fn for every packet in dir, oldest segment first. Each segment
// is read up to its first torn or corrupt record; the number of segments cut
// short that way is returned. An error from fn stops the walk.
func Walk(dir string, fn func(types.Packet) error) (int, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	torn := 0
	for _, s := range segments {
		// A segment created by a writer that crashed before writing its
		// header holds nothing.
		if s.size < headerSize {
			continue
		}

		it, err := NewIterator(s.path)
		if err != nil {
			return torn, fmt.Errorf("read segment %s: %w", s.path, err)
		}
		for it.Next() {
			if err := fn(it.Packet()); err != nil {
				it.Close()
				return torn, err
			}
		}
		if it.Err() != nil {
			torn++
		}
		it.Close()
	}
	return torn, nil
}

// Iterator iterates over packets in a segment.
type Iterator struct {
	reader   *Reader
	buffer   []types.Packet
	position int
	done     bool
	err      error
}

// NewIterator creates an iterator for a segment file.
func NewIterator(path string) (*Iterator, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}

	return &Iterator{
		reader: r,
	}, nil
}

// Next advances to the next packet.
// Returns false when there are no more packets.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	// If buffer is exhausted, read next record
	for it.position >= len(it.buffer) {
		packets, err := it.reader.ReadRecord()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			it.err = err
			return false
		}

		it.buffer = packets
		it.position = 0
	}

	return true
}

// Packet returns the current packet.
func (it *Iterator) Packet() types.Packet {
	if it.position < len(it.buffer) {
		p := it.buffer[it.position]
		it.position++
		return p
	}
	return types.Packet{}
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close closes the iterator.
func (it *Iterator) Close() error {
	return it.reader.Close()
}
