// Package procfs is the read-only accessor over /proc that every trigger
// observer and the Fleet Coordinator use to sample a target's liveness and
// resource usage. Every value it returns is a point-in-time snapshot; by the
// time a caller acts on it the target may already have exited or been
// replaced by a reused pid — callers must treat every result as possibly
// stale (§4.1).
//
// procfs assumes a Linux host: it is a direct reader of the kernel's /proc
// pseudo-filesystem and makes no attempt to run elsewhere (§1 Non-goals).
package procfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sentinel errors. Use errors.Is to test for them; the concrete errors
// returned by this package always wrap one of these with the offending pid.
var (
	// ErrNoSuchProcess indicates the target pid does not currently exist.
	ErrNoSuchProcess = errors.New("procfs: no such process")
	// ErrProcParse indicates a /proc record was not in the expected shape.
	ErrProcParse = errors.New("procfs: malformed proc record")
	// ErrNotFound indicates FindByName found no matching process.
	ErrNotFound = errors.New("procfs: no process found with that name")
)

// NoSuchProcessError is returned (wrapping ErrNoSuchProcess) when pid has no
// corresponding /proc/<pid> entry.
type NoSuchProcessError struct{ Pid int }

func (e *NoSuchProcessError) Error() string { return fmt.Sprintf("procfs: no such process: pid %d", e.Pid) }
func (e *NoSuchProcessError) Unwrap() error  { return ErrNoSuchProcess }

// ParseError is returned (wrapping ErrProcParse) when a /proc record exists
// but its contents do not match the documented layout (§4.1, §6).
type ParseError struct {
	Pid    int
	Record string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("procfs: malformed %s record for pid %d: %s", e.Record, e.Pid, e.Detail)
}
func (e *ParseError) Unwrap() error { return ErrProcParse }

// Source reads process information from a /proc mount. The zero value reads
// from "/proc"; use NewSource to point at an alternate root (tests use this
// to serve a synthetic tree).
type Source struct {
	root string
}

// NewSource returns a Source rooted at root (e.g. "/proc", or a temp
// directory populated by a test).
func NewSource(root string) *Source {
	return &Source{root: root}
}

// Default is the Source every production caller uses, rooted at "/proc".
var Default = NewSource("/proc")

func (s *Source) root0() string {
	if s.root == "" {
		return "/proc"
	}
	return s.root
}

func (s *Source) path(pid int, parts ...string) string {
	all := append([]string{s.root0(), strconv.Itoa(pid)}, parts...)
	return filepath.Join(all...)
}

// Exists reports whether pid currently has a /proc entry. Like every other
// Source method, the result is a snapshot: the process may exit immediately
// after this call returns true.
func (s *Source) Exists(pid int) bool {
	_, err := os.Stat(s.path(pid))
	return err == nil
}

// Stat is a typed view over the documented fields of /proc/<pid>/stat (§4.1,
// §6). Field numbers in the comments are the one-based offsets named by the
// spec's stat-record layout.
type Stat struct {
	Comm      string // field #2
	Pgid      int64  // field #4
	UTime     int64  // field #14, clock ticks
	STime     int64  // field #15, clock ticks
	Threads   int64  // field #20
	StartTime int64  // field #22, clock ticks since boot
	RSSPages  int64  // field #24, pages
	SwapPages int64  // field #36, pages
}

// minStatFields is the number of whitespace-separated tokens required after
// the comm field to reach field #36 (swap_pages): index 33 (0-based) in the
// post-comm token slice, so 34 tokens minimum.
const minStatFields = 34

// StatFields reads and parses /proc/<pid>/stat. The comm field (stat field
// #2) may itself contain whitespace and parentheses, so the parser locates
// the outermost parenthesised group rather than splitting naively on
// whitespace — splitting naively shifts every subsequent offset (§9).
func (s *Source) StatFields(pid int) (Stat, error) {
	data, err := os.ReadFile(s.path(pid, "stat"))
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, &NoSuchProcessError{Pid: pid}
		}
		return Stat{}, &ParseError{Pid: pid, Record: "stat", Detail: err.Error()}
	}

	openIdx := bytes.IndexByte(data, '(')
	closeIdx := bytes.LastIndexByte(data, ')')
	if openIdx < 0 || closeIdx < 0 || closeIdx < openIdx {
		return Stat{}, &ParseError{Pid: pid, Record: "stat", Detail: "no comm parenthesis group"}
	}
	comm := string(data[openIdx+1 : closeIdx])

	rest := strings.Fields(string(data[closeIdx+1:]))
	if len(rest) < minStatFields {
		return Stat{}, &ParseError{Pid: pid, Record: "stat", Detail: fmt.Sprintf("expected >= %d fields after comm, got %d", minStatFields, len(rest))}
	}

	// rest[0] is field #3 (state); rest[i] is field #(i+3).
	field := func(specNum int) (string, error) {
		idx := specNum - 3
		if idx < 0 || idx >= len(rest) {
			return "", fmt.Errorf("field #%d out of range", specNum)
		}
		return rest[idx], nil
	}

	parseInt := func(specNum int) (int64, error) {
		tok, err := field(specNum)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field #%d: %w", specNum, err)
		}
		return v, nil
	}

	st := Stat{Comm: comm}
	var perr error
	assign := func(dst *int64, specNum int) {
		v, err := parseInt(specNum)
		if err != nil && perr == nil {
			perr = err
		}
		*dst = v
	}
	assign(&st.Pgid, 4)
	assign(&st.UTime, 14)
	assign(&st.STime, 15)
	assign(&st.Threads, 20)
	assign(&st.StartTime, 22)
	assign(&st.RSSPages, 24)
	assign(&st.SwapPages, 36)
	if perr != nil {
		return Stat{}, &ParseError{Pid: pid, Record: "stat", Detail: perr.Error()}
	}
	return st, nil
}

// Pgid returns the target's process-group id (stat field #4, per this
// system's canonicalized offset — see StatFields).
func (s *Source) Pgid(pid int) (int, error) {
	st, err := s.StatFields(pid)
	if err != nil {
		return 0, err
	}
	return int(st.Pgid), nil
}

// StartTime returns the target's start time in clock ticks since boot (stat
// field #22). Two samples of the same pid with different StartTime values
// indicate pid reuse (§3, §8).
func (s *Source) StartTime(pid int) (int64, error) {
	st, err := s.StatFields(pid)
	if err != nil {
		return 0, err
	}
	return st.StartTime, nil
}

// Name derives the target's process name from its cmdline record: the
// NUL-separated argv tokens are split, and the basename of the first token
// is returned — unless that token's basename is "sudo", in which case the
// basename of the *next* token is returned instead, so that a command
// launched as "sudo myprog" is identified as "myprog". Returns the empty
// string and no error if cmdline is empty (e.g. a kernel thread); a missing
// or unreadable cmdline returns an error (NoSuchProcessError or ParseError).
func (s *Source) Name(pid int) (string, error) {
	data, err := os.ReadFile(s.path(pid, "cmdline"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NoSuchProcessError{Pid: pid}
		}
		return "", &ParseError{Pid: pid, Record: "cmdline", Detail: err.Error()}
	}
	data = bytes.Trim(data, "\x00")
	if len(data) == 0 {
		return "", nil
	}
	tokens := bytes.Split(data, []byte{0})
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		return "", nil
	}
	first := filepath.Base(string(tokens[0]))
	if first == "sudo" && len(tokens) > 1 && len(tokens[1]) > 0 {
		return filepath.Base(string(tokens[1])), nil
	}
	return first, nil
}

// FDCount returns the number of open-file-descriptor entries under
// /proc/<pid>/fd.
func (s *Source) FDCount(pid int) (int, error) {
	entries, err := os.ReadDir(s.path(pid, "fd"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &NoSuchProcessError{Pid: pid}
		}
		return 0, &ParseError{Pid: pid, Record: "fd", Detail: err.Error()}
	}
	return len(entries), nil
}

// FindByName scans every numeric entry under the proc root and returns the
// first pid whose Name matches name exactly. Returns ErrNotFound (via a
// wrapped error) when nothing matches.
func (s *Source) FindByName(name string) (int, error) {
	entries, err := os.ReadDir(s.root0())
	if err != nil {
		return 0, fmt.Errorf("procfs: read %s: %w", s.root0(), err)
	}
	for _, e := range entries {
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		n, err := s.Name(pid)
		if err != nil {
			continue // process vanished mid-scan or is unreadable; skip it
		}
		if n == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// ListPids enumerates every numeric entry under the proc root, i.e. every
// pid the kernel currently reports. Used by the Fleet Coordinator's
// multi-target discovery loop (§4.4).
func (s *Source) ListPids() ([]int, error) {
	entries, err := os.ReadDir(s.root0())
	if err != nil {
		return nil, fmt.Errorf("procfs: read %s: %w", s.root0(), err)
	}
	var pids []int
	for _, e := range entries {
		if pid, err := strconv.Atoi(e.Name()); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
