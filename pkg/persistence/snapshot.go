package persistence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const infoPrefix = "MSGNUM: "

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, TreeDirName, SnapshotFileName)
}

func (s *Store) infoPath() string {
	return filepath.Join(s.dir, TreeDirName, InfoFileName)
}

// WriteSnapshot replaces the stored tree. The new snapshot is written next to the old one and
// renamed over it, so a crash leaves either the old or the new snapshot in place.
func (s *Store) WriteSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Seq <= s.lastSnapshot {
		return fmt.Errorf("snapshot %d, last %d: %w", snap.Seq, s.lastSnapshot, ErrStaleSequence)
	}
	if err := writeFileAtomic(s.snapshotPath(), appendFrame(nil, EncodeSnapshot(snap))); err != nil {
		return fmt.Errorf("error writing snapshot %d: %w", snap.Seq, err)
	}
	info := fmt.Sprintf("%s%d\n", infoPrefix, snap.Seq)
	if err := writeFileAtomic(s.infoPath(), []byte(info)); err != nil {
		return fmt.Errorf("error writing snapshot info %d: %w", snap.Seq, err)
	}
	s.lastSnapshot = snap.Seq
	return nil
}

// LoadSnapshot reads the stored tree. ok is false if no snapshot has been written yet.
func (s *Store) LoadSnapshot() (snap Snapshot, ok bool, err error) {
	b, err := os.ReadFile(s.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("error reading snapshot: %w", err)
	}
	body, err := readFrame(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot: %w", err)
	}
	snap, err = DecodeSnapshot(body)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// SnapshotSeq reads the sequence number recorded in Info.dat. ok is false if there is none.
func (s *Store) SnapshotSeq() (seq uint64, ok bool, err error) {
	b, err := os.ReadFile(s.infoPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("error reading snapshot info: %w", err)
	}
	line := strings.TrimSpace(string(b))
	if !strings.HasPrefix(line, infoPrefix) {
		return 0, false, fmt.Errorf("%w: snapshot info %q", ErrCorrupt, line)
	}
	seq, err = strconv.ParseUint(strings.TrimPrefix(line, infoPrefix), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: snapshot info: %v", ErrCorrupt, err)
	}
	return seq, true, nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(b); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
