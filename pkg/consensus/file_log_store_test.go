package consensus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestFileLogStore(t *testing.T, filePath string) *FileLogStore {
	t.Helper()

	store := NewFileLogStore(filePath)
	if err := store.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

func appendTestEntries(t *testing.T, store LogStore, entries ...LogEntry) {
	t.Helper()

	for _, entry := range entries {
		if err := store.Append(entry); err != nil {
			t.Fatalf("cannot append %v: %v", entry, err)
		}
	}
}

var testLogEntries = []LogEntry{
	{Term: 1, Index: 1, Type: EntryTypeNoop},
	{Term: 1, Index: 2, Type: EntryTypeCommand, Command: []byte("a")},
	{Term: 2, Index: 3, Type: EntryTypeCommand, Command: []byte("bc")},
}

func checkLogEntries(t *testing.T, store LogStore, expected []LogEntry) {
	t.Helper()

	if lastIndex := store.LastIndex(); lastIndex != LogIndex(len(expected)) {
		t.Fatalf("last index is %d, expected %d", lastIndex, len(expected))
	}

	for _, e := range expected {
		entry, err := store.Read(e.Index)
		if err != nil {
			t.Fatalf("cannot read entry %d: %v", e.Index, err)
		}

		if entry.Term != e.Term || entry.Type != e.Type ||
			!bytes.Equal(entry.Command, e.Command) {
			t.Errorf("entry %d is %v, expected %v", e.Index, entry, e)
		}
	}
}

func TestFileLogStore(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log")

	store := openTestFileLogStore(t, filePath)
	appendTestEntries(t, store, testLogEntries...)

	if term := store.LastTerm(); term != 2 {
		t.Errorf("last term is %d, expected 2", term)
	}

	if err := store.Append(LogEntry{Term: 2, Index: 5}); err == nil {
		t.Errorf("non-contiguous append accepted")
	}

	if _, err := store.Read(4); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("reading past the end returned %v", err)
	}

	store.Close()

	store = openTestFileLogStore(t, filePath)
	checkLogEntries(t, store, testLogEntries)
}

func TestFileLogStoreTruncate(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log")

	store := openTestFileLogStore(t, filePath)
	appendTestEntries(t, store, testLogEntries...)

	if err := store.TruncateFrom(2); err != nil {
		t.Fatalf("cannot truncate log: %v", err)
	}

	replacement := LogEntry{Term: 3, Index: 2, Type: EntryTypeCommand,
		Command: []byte("x")}
	appendTestEntries(t, store, replacement)

	store.Close()

	store = openTestFileLogStore(t, filePath)
	checkLogEntries(t, store, []LogEntry{testLogEntries[0], replacement})
}

func TestFileLogStoreTornRecord(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log")

	store := openTestFileLogStore(t, filePath)
	appendTestEntries(t, store, testLogEntries[:2]...)
	store.Close()

	// Simulate a crash in the middle of the third append.
	record := encodeLogRecord(testLogEntries[2])

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("cannot open log file: %v", err)
	}

	if _, err := file.Write(record[:len(record)-3]); err != nil {
		t.Fatalf("cannot write log file: %v", err)
	}

	file.Close()

	store = openTestFileLogStore(t, filePath)
	checkLogEntries(t, store, testLogEntries[:2])

	appendTestEntries(t, store, testLogEntries[2])
	store.Close()

	store = openTestFileLogStore(t, filePath)
	checkLogEntries(t, store, testLogEntries)
}

func TestFileLogStoreCorruption(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log")

	store := openTestFileLogStore(t, filePath)
	appendTestEntries(t, store, testLogEntries...)
	store.Close()

	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("cannot read log file: %v", err)
	}

	// First byte of the command of the second entry.
	offset := len(encodeLogRecord(testLogEntries[0])) +
		fileLogRecordHeaderSize
	data[offset] ^= 0xff

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		t.Fatalf("cannot write log file: %v", err)
	}

	store = NewFileLogStore(filePath)
	if err := store.Open(); err == nil {
		store.Close()
		t.Fatalf("corrupted log loaded")
	}
}

func TestFileLogStoreInvalidLength(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log")

	store := openTestFileLogStore(t, filePath)
	appendTestEntries(t, store, testLogEntries[:1]...)

	tooLarge := LogEntry{Term: 1, Index: 2, Type: EntryTypeCommand,
		Command: make([]byte, MaxCommandSize+1)}
	if err := store.Append(tooLarge); !errors.Is(err, ErrCommandTooLarge) {
		t.Errorf("appending a large command returned %v", err)
	}

	store.Close()

	// A record header announcing a 4 GiB command
	record := encodeLogRecord(testLogEntries[1])
	binary.BigEndian.PutUint32(record[17:], 0xffffffff)

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("cannot open log file: %v", err)
	}

	if _, err := file.Write(record); err != nil {
		t.Fatalf("cannot write log file: %v", err)
	}

	file.Close()

	store = NewFileLogStore(filePath)
	if err := store.Open(); err == nil {
		store.Close()
		t.Fatalf("log with an invalid record length loaded")
	}
}
