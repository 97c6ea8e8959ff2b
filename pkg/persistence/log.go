package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LogFileName      = "dwarf_log.dat"
	TreeDirName      = "TreeData"
	SnapshotFileName = "snapshot.dat"
	InfoFileName     = "Info.dat"
)

// Persister is what the logger needs from durable storage.
type Persister interface {
	// AppendLog adds a batch of commands to the end of the log.
	AppendLog(rec LogRecord) error
	// WriteSnapshot replaces the stored tree.
	WriteSnapshot(snap Snapshot) error
}

// Loader reads back what a Persister wrote.
type Loader interface {
	LoadSnapshot() (Snapshot, bool, error)
	ReadLog() ([]LogRecord, error)
	// LastSeq returns the newest sequence number on disk.
	LastSeq() uint64
}

// Store keeps the logger's state in a directory:
//
//	{dir}/dwarf_log.dat            every batch of commands, appended in sequence order
//	{dir}/TreeData/snapshot.dat    the latest tree
//	{dir}/TreeData/Info.dat        the sequence number of the latest tree
type Store struct {
	// mu is a mutex that protects all the fields in the Store. In order to keep the Store
	// thread-safe, we hold the lock while touching the files as well.
	mu  *sync.Mutex
	dir string
	// lastLog and lastSnapshot are the sequence numbers of the newest log record and snapshot.
	lastLog      uint64
	lastSnapshot uint64
}

var (
	_ Persister = (*Store)(nil)
	_ Loader    = (*Store)(nil)
)

// NewStore opens the store in dir, creating the directory if needed. The sequence numbers of any
// records already on disk are loaded so new writes continue after them.
func NewStore(dir string) (*Store, error) {
	// Make sure to trim any trailing slashes if the provided path contains one.
	dir = strings.TrimSuffix(dir, "/")
	if err := os.MkdirAll(filepath.Join(dir, TreeDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s := &Store{
		mu:  &sync.Mutex{},
		dir: dir,
	}

	recs, good, err := s.readLog()
	if errors.Is(err, ErrCorrupt) {
		// Appends would land behind the unreadable tail and never be read back.
		if err := os.Truncate(s.logPath(), good); err != nil {
			return nil, fmt.Errorf("truncating the log to %d bytes: %w", good, err)
		}
	} else if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		s.lastLog = recs[len(recs)-1].Seq
	}
	snap, ok, err := s.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if ok {
		s.lastSnapshot = snap.Seq
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// LastSeq returns the newest sequence number written to either the log or a snapshot.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.lastLog, s.lastSnapshot)
}

func (s *Store) logPath() string {
	return filepath.Join(s.dir, LogFileName)
}

func (s *Store) AppendLog(rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Seq <= s.lastLog {
		return fmt.Errorf("log record %d, last %d: %w", rec.Seq, s.lastLog, ErrStaleSequence)
	}

	file, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(appendFrame(nil, encodeLogRecord(rec))); err != nil {
		return fmt.Errorf("error writing log record %d: %w", rec.Seq, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("error syncing log file: %w", err)
	}

	// Only move the sequence forward once the record is on disk.
	s.lastLog = rec.Seq
	return nil
}

// ReadLog returns every record in the log, oldest first. A missing log is empty. If the tail of the
// log can't be decoded, the records before it are returned together with an ErrCorrupt error.
func (s *Store) ReadLog() ([]LogRecord, error) {
	recs, _, err := s.readLog()
	return recs, err
}

// readLog is ReadLog that also returns the size of the readable part of the log.
func (s *Store) readLog() ([]LogRecord, int64, error) {
	file, err := os.Open(s.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("error opening log file: %w", err)
	}
	defer file.Close()

	var recs []LogRecord
	var good int64
	r := bufio.NewReader(file)
	for {
		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return recs, good, nil
		}
		if err != nil {
			return recs, good, fmt.Errorf("log record %d: %w", len(recs), err)
		}
		rec, err := decodeLogRecord(body)
		if err != nil {
			return recs, good, fmt.Errorf("log record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
		good += frameSize(body)
	}
}
