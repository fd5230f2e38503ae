// Package diag implements the tamper-evident diagnostics log enabled by
// "-log" (§3): an append-only, hash-chained record of trigger and dump
// lifecycle events, so an operator can later confirm the log was not
// edited after the fact.
package diag

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash seeds the hash chain for the first entry in a fresh log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000"

// entryContent is the part of a log line that is hashed; it excludes the
// computed Hash field itself so the hash can cover its own predecessor.
type entryContent struct {
	Seq      int64     `json:"seq"`
	Time     time.Time `json:"time"`
	Pid      int       `json:"pid"`
	Trigger  string    `json:"trigger"`
	Event    string    `json:"event"`
	DumpPath string    `json:"dump_path,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	PrevHash string    `json:"prev_hash"`
}

// entry is one line of the on-disk log: entryContent plus the hash that
// chains it to its predecessor.
type entry struct {
	entryContent
	Hash string `json:"hash"`
}

// Logger appends hash-chained entries to one file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	lastHash string
	seq      int64
}

// Open opens (creating if necessary) the log at path for appending. If the
// file already has content, the chain continues from its last entry's
// hash; Open reads the whole file once to recover that hash and the next
// sequence number.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", path, err)
	}

	lastHash, seq, err := recoverChain(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Logger{f: f, w: bufio.NewWriter(f), lastHash: lastHash, seq: seq}, nil
}

// recoverChain scans every existing line to find the current chain tip,
// so a restarted process continues the same log instead of starting a
// fresh genesis hash that would break verification of the earlier lines.
func recoverChain(f *os.File) (hash string, nextSeq int64, err error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, fmt.Errorf("diag: seek: %w", err)
	}
	hash = GenesisHash
	nextSeq = 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return "", 0, fmt.Errorf("diag: corrupt log line: %w", err)
		}
		hash = e.Hash
		nextSeq = e.Seq + 1
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("diag: read existing log: %w", err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return "", 0, fmt.Errorf("diag: seek to end: %w", err)
	}
	return hash, nextSeq, nil
}

// Append writes one chained entry. now is accepted as a parameter (rather
// than calling time.Now internally) so callers control timestamps and so
// the hash chain stays a pure function of its inputs for testing.
func (l *Logger) Append(now time.Time, pid int, trigger, event, dumpPath, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	content := entryContent{
		Seq:      l.seq,
		Time:     now.UTC(),
		Pid:      pid,
		Trigger:  trigger,
		Event:    event,
		DumpPath: dumpPath,
		Detail:   detail,
		PrevHash: l.lastHash,
	}
	hash, err := hashContent(content)
	if err != nil {
		return fmt.Errorf("diag: hash entry: %w", err)
	}
	e := entry{entryContent: content, Hash: hash}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("diag: marshal entry: %w", err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("diag: write entry: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("diag: flush: %w", err)
	}

	l.lastHash = hash
	l.seq++
	return nil
}

// hashContent computes the chained hash for one entry: sha256 of the
// entry's JSON content (everything except Hash itself, so including the
// PrevHash field that carries the previous entry's hash), so altering any
// past line invalidates every subsequent hash.
func hashContent(c entryContent) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Verify re-reads path and confirms every entry's hash matches its
// recomputed content hash and that PrevHash correctly chains to its
// predecessor, returning the index of the first broken entry (or -1 if
// the whole file verifies).
func Verify(path string) (brokenAt int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, fmt.Errorf("diag: open %s: %w", path, err)
	}
	defer f.Close()

	prev := GenesisHash
	idx := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return idx, fmt.Errorf("diag: corrupt line %d: %w", idx, err)
		}
		if e.PrevHash != prev {
			return idx, nil
		}
		want, err := hashContent(e.entryContent)
		if err != nil {
			return idx, err
		}
		if want != e.Hash {
			return idx, nil
		}
		prev = e.Hash
		idx++
	}
	if err := scanner.Err(); err != nil {
		return idx, fmt.Errorf("diag: read %s: %w", path, err)
	}
	return -1, nil
}
