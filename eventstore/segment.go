package eventstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// segmentMagic begins every segment file (spec.md §6b on-disk format).
var segmentMagic = [4]byte{'L', 'H', 'E', 'V'}

const segmentFormatVersion uint32 = 1

// segmentHeaderSize is magic(4) + version(4) + segment_id(8) + sequence_lo(8).
const segmentHeaderSize = 4 + 4 + 8 + 8

// segment is one append-only file on disk holding a contiguous range of
// sequence numbers. Each record is length-prefixed: a uint32 record length,
// then the canonical encoding of an Event.
type segment struct {
	id       uint64
	path     string
	file     *os.File
	writer   *bufio.Writer
	size     int64
	seqLo    uint64
	lastSeq  uint64
	hasData  bool
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%08d.lhlog", id))
}

// createSegment opens a brand new segment file for writing and stamps its
// header with the sequence number of the first event it will hold.
func createSegment(dir string, id, seqLo uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, lhStorageErr(err)
	}

	header := make([]byte, 0, segmentHeaderSize)
	header = append(header, segmentMagic[:]...)
	header = binary.BigEndian.AppendUint32(header, segmentFormatVersion)
	header = binary.BigEndian.AppendUint64(header, id)
	header = binary.BigEndian.AppendUint64(header, seqLo)

	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, lhStorageErr(err)
	}
	return &segment{id: id, path: path, file: f, writer: bufio.NewWriter(f), size: int64(len(header)), seqLo: seqLo}, nil
}

// openSegmentForAppend reopens an existing segment at the end of its valid
// data, after recovery has already truncated any torn tail write.
func openSegmentForAppend(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, lhStorageErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, lhStorageErr(err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, lhStorageErr(err)
	}
	return &segment{id: id, path: path, file: f, writer: bufio.NewWriter(f), size: info.Size()}, nil
}

// appendRecord writes one encoded event, prefixed with its length, and
// tracks the segment's sequence range. Caller holds the store's write lock.
func (s *segment) appendRecord(seq uint64, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := s.writer.Write(lenBuf[:]); err != nil {
		return lhStorageErr(err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return lhStorageErr(err)
	}

	s.size += int64(len(lenBuf) + len(data))
	if !s.hasData {
		s.seqLo = seq
		s.hasData = true
	}
	s.lastSeq = seq
	return nil
}

// flush pushes buffered writes to the OS without an fsync. The "batch"
// durability policy calls only this after each append; its appends are
// fsynced when the segment is rotated, not on the next append.
func (s *segment) flush() error {
	if err := s.writer.Flush(); err != nil {
		return lhStorageErr(err)
	}
	return nil
}

// sync flushes and fsyncs; the durability policy used for "fsync" mode, and
// the step that seals a segment on rotation.
func (s *segment) sync() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return lhStorageErr(err)
	}
	return nil
}

func (s *segment) close() error {
	if err := s.flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// segmentHeader is the parsed fixed header of a segment file.
type segmentHeader struct {
	Version   uint32
	SegmentID uint64
	SequenceLo uint64
}

func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return segmentHeader{}, err
	}
	if string(buf[0:4]) != string(segmentMagic[:]) {
		return segmentHeader{}, &ValidationError{Reason: "bad segment magic"}
	}
	return segmentHeader{
		Version:    binary.BigEndian.Uint32(buf[4:8]),
		SegmentID:  binary.BigEndian.Uint64(buf[8:16]),
		SequenceLo: binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// readSegmentRecords replays every well-formed record in the segment from
// the beginning, stopping cleanly at EOF or at the first torn/truncated
// record. truncatedAt, when >= 0, is the file offset recover() should
// truncate the segment to in order to drop that torn record.
func readSegmentRecords(path string) (header segmentHeader, records [][]byte, truncatedAt int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return segmentHeader{}, nil, -1, lhStorageErr(err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err = readSegmentHeader(r)
	if err != nil {
		return segmentHeader{}, nil, 0, nil
	}
	offset := int64(segmentHeaderSize)

	for {
		var lenBuf [4]byte
		n, err := io.ReadFull(r, lenBuf[:])
		if err == io.EOF {
			return header, records, -1, nil
		}
		if err != nil || n != 4 {
			return header, records, offset, nil
		}

		recLen := binary.BigEndian.Uint32(lenBuf[:])
		data := make([]byte, recLen)
		n, err = io.ReadFull(r, data)
		if err != nil || uint32(n) != recLen {
			return header, records, offset, nil
		}

		offset += int64(4 + n)
		records = append(records, data)
	}
}

// truncateSegmentTo discards anything after offset, used during crash
// recovery to drop a torn tail write (spec.md §4.3, invariant I4).
func truncateSegmentTo(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return lhStorageErr(err)
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return lhStorageErr(err)
	}
	return nil
}
