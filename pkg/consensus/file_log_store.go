package consensus

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// FileLogStore keeps the log in a single append-only file of records:
//
//	term:int64 index:int64 type:uint8 length:uint32 command checksum:uint32
//
// integers are big endian; the checksum is a CRC-32 (IEEE) of everything
// before it in the record. Entries are also cached in memory, so reads
// never touch the disk.
type FileLogStore struct {
	filePath string
	file     *os.File

	entries []LogEntry
	offsets []int64 // offsets[i] is the file offset of entries[i]
	size    int64

	mu sync.RWMutex
}

const fileLogRecordHeaderSize = 8 + 8 + 1 + 4

// MaxCommandSize is the largest command a log entry can carry.
const MaxCommandSize = 2 * 1024 * 1024

var (
	ErrCommandTooLarge = errors.New("command too large")

	errTornRecord = errors.New("torn record")
)

func NewFileLogStore(filePath string) *FileLogStore {
	return &FileLogStore{
		filePath: filePath,
	}
}

func (s *FileLogStore) Open() error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	s.file = file

	if err := s.load(); err != nil {
		file.Close()
		return err
	}

	return nil
}

func (s *FileLogStore) Close() error {
	if s.file == nil {
		return nil
	}

	return s.file.Close()
}

func (s *FileLogStore) load() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	r := bufio.NewReader(s.file)

	s.entries = nil
	s.offsets = nil

	var offset int64

	for {
		entry, size, err := readLogRecord(r)
		if err == io.EOF {
			break
		} else if errors.Is(err, errTornRecord) {
			// A crash in the middle of an append leaves a partial record at
			// the end of the file; it was never acknowledged, so it can be
			// dropped.
			if err := s.file.Truncate(offset); err != nil {
				return fmt.Errorf("cannot truncate torn record in %q: %w",
					s.filePath, err)
			}

			break
		} else if err != nil {
			return fmt.Errorf("cannot read %q at offset %d: %w",
				s.filePath, offset, err)
		}

		if expected := LogIndex(len(s.entries) + 1); entry.Index != expected {
			return fmt.Errorf("invalid entry index %d at offset %d in %q "+
				"(expected %d)", entry.Index, offset, s.filePath, expected)
		}

		s.entries = append(s.entries, entry)
		s.offsets = append(s.offsets, offset)

		offset += size
	}

	s.size = offset

	if _, err := s.file.Seek(s.size, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	return nil
}

func (s *FileLogStore) LastIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return LogIndex(len(s.entries))
}

func (s *FileLogStore) LastTerm() Term {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return 0
	}

	return s.entries[len(s.entries)-1].Term
}

func (s *FileLogStore) Read(index LogIndex) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 1 || index > LogIndex(len(s.entries)) {
		return LogEntry{}, fmt.Errorf("%w: index %d", ErrEntryNotFound, index)
	}

	return s.entries[index-1], nil
}

func (s *FileLogStore) Append(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected := LogIndex(len(s.entries) + 1); entry.Index != expected {
		return fmt.Errorf("cannot append entry at index %d: expected "+
			"index %d", entry.Index, expected)
	}

	if len(entry.Command) > MaxCommandSize {
		return fmt.Errorf("cannot append entry at index %d: %w (%d bytes)",
			entry.Index, ErrCommandTooLarge, len(entry.Command))
	}

	data := encodeLogRecord(entry)

	if _, err := s.file.WriteAt(data, s.size); err != nil {
		return fmt.Errorf("cannot write %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	s.entries = append(s.entries, entry)
	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(data))

	return nil
}

func (s *FileLogStore) TruncateFrom(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 {
		return fmt.Errorf("invalid truncation index %d", index)
	}

	if index > LogIndex(len(s.entries)) {
		return nil
	}

	offset := s.offsets[index-1]

	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	s.entries = s.entries[:index-1]
	s.offsets = s.offsets[:index-1]
	s.size = offset

	return nil
}

func encodeEntryType(t EntryType) uint8 {
	if t == EntryTypeNoop {
		return 1
	}

	return 0
}

func decodeEntryType(b uint8) (EntryType, error) {
	switch b {
	case 0:
		return EntryTypeCommand, nil
	case 1:
		return EntryTypeNoop, nil
	default:
		return "", fmt.Errorf("unknown entry type %d", b)
	}
}

func encodeLogRecord(entry LogEntry) []byte {
	size := fileLogRecordHeaderSize + len(entry.Command) + 4
	data := make([]byte, size)

	binary.BigEndian.PutUint64(data[0:], uint64(entry.Term))
	binary.BigEndian.PutUint64(data[8:], uint64(entry.Index))
	data[16] = encodeEntryType(entry.Type)
	binary.BigEndian.PutUint32(data[17:], uint32(len(entry.Command)))
	copy(data[fileLogRecordHeaderSize:], entry.Command)

	checksum := crc32.ChecksumIEEE(data[:size-4])
	binary.BigEndian.PutUint32(data[size-4:], checksum)

	return data
}

func readLogRecord(r *bufio.Reader) (LogEntry, int64, error) {
	header := make([]byte, fileLogRecordHeaderSize)

	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF && n == 0 {
			return LogEntry{}, 0, io.EOF
		} else if err == io.ErrUnexpectedEOF {
			return LogEntry{}, 0, errTornRecord
		}

		return LogEntry{}, 0, err
	}

	// A length this large cannot have been written by Append; the header is
	// corrupted.
	length := binary.BigEndian.Uint32(header[17:])
	if length > MaxCommandSize {
		return LogEntry{}, 0, fmt.Errorf("invalid record length %d", length)
	}

	rest := make([]byte, int(length)+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return LogEntry{}, 0, errTornRecord
		}

		return LogEntry{}, 0, err
	}

	record := append(header, rest...)
	size := len(record)

	checksum := binary.BigEndian.Uint32(record[size-4:])
	if crc32.ChecksumIEEE(record[:size-4]) != checksum {
		if _, err := r.Peek(1); err == io.EOF {
			return LogEntry{}, 0, errTornRecord
		}

		return LogEntry{}, 0, fmt.Errorf("invalid record checksum")
	}

	entryType, err := decodeEntryType(header[16])
	if err != nil {
		return LogEntry{}, 0, err
	}

	entry := LogEntry{
		Term:  Term(binary.BigEndian.Uint64(header[0:])),
		Index: LogIndex(binary.BigEndian.Uint64(header[8:])),
		Type:  entryType,
	}

	if length > 0 {
		entry.Command = record[fileLogRecordHeaderSize : size-4]
	}

	return entry, int64(size), nil
}
