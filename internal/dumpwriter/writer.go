// Package dumpwriter turns a trigger firing into an actual core dump on
// disk. It owns the deterministic naming scheme (§4.5), the overwrite
// collision policy, and the choice between the two dump backends: gcore
// for native processes and the .NET CLR diagnostics IPC protocol for
// managed ones (§6).
package dumpwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/procdump/internal/target"
)

// ErrDumpAlreadyExists is returned when the computed dump path already
// exists and the target's Overwrite option is false (§4.5).
var ErrDumpAlreadyExists = errors.New("dumpwriter: dump file already exists")

// Request describes one triggered dump.
type Request struct {
	State     *target.State
	Trigger   string // "memory", "cpu", "threads", "file_descriptor", "signal", "timer"
	Timestamp time.Time
}

// Backend performs the actual dump of one process, writing the core image
// to path. Implementations never touch the filename scheme or the dump
// counter — Writer owns both.
type Backend interface {
	Dump(ctx context.Context, pid int, path string) error
}

// DiagLogger receives one chained entry per dump attempt when the
// tamper-evident diagnostics log is enabled ("-log", §3). *diag.Logger
// satisfies this directly; it is an interface here so dumpwriter does not
// need a hard dependency on package diag when the log is disabled.
type DiagLogger interface {
	Append(now time.Time, pid int, trigger, event, dumpPath, detail string) error
}

// Writer is the single entry point trigger observers call to request a
// dump. It is safe for concurrent use by multiple observers of the same
// target: requests for one pid are serialized by perTarget, so at most one
// dump for a given target is in flight at a time.
type Writer struct {
	native Backend // gcore
	clr    Backend // .NET diagnostics IPC

	// isCLR reports whether pid is a .NET process exposing a diagnostics
	// IPC socket. Overridable in tests.
	isCLR func(pid int) bool

	diag DiagLogger // nil unless "-log" is enabled

	// perTarget serializes Write for a given pid, so two observers on the
	// same target firing at nearly the same time (§4.3.3, §4.5) cannot both
	// pass the overwrite check and dispatch against the same path, nor both
	// increment the dump counter for the same dump.
	perTarget sync.Map // pid (int) -> *sync.Mutex
}

// lockFor returns the mutex serializing dump requests for pid, creating one
// on first use.
func (w *Writer) lockFor(pid int) *sync.Mutex {
	v, _ := w.perTarget.LoadOrStore(pid, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SetDiagLogger attaches a diagnostics logger; every subsequent dump
// attempt appends a chained entry before the backend runs and another
// after it completes, per the canonicalized "log before writing, increment
// after success" ordering (§9).
func (w *Writer) SetDiagLogger(d DiagLogger) { w.diag = d }

// New returns a Writer using the default gcore and CLR diagnostics
// backends.
func New() *Writer {
	return &Writer{
		native: &GcoreBackend{},
		clr:    &CLRBackend{},
		isCLR:  IsCLRProcess,
	}
}

// NewForTest builds a Writer around caller-supplied backends and CLR
// detector, for use by other packages' tests that need to observe dump
// dispatch without invoking gcore or a real diagnostics socket.
func NewForTest(native, clr Backend, isCLR func(pid int) bool) *Writer {
	return &Writer{native: native, clr: clr, isCLR: isCLR}
}

// Write constructs the dump path for req, checks the overwrite policy,
// dispatches to the appropriate backend, and — only once the backend
// reports success — increments the target's dump counter (§4.5, §9).
func (w *Writer) Write(ctx context.Context, req Request) (string, error) {
	lock := w.lockFor(req.State.Pid)
	lock.Lock()
	defer lock.Unlock()

	path, err := w.path(req)
	if err != nil {
		return "", err
	}

	if !req.State.Cfg.Overwrite {
		if _, statErr := os.Stat(path); statErr == nil {
			return "", fmt.Errorf("%w: %s", ErrDumpAlreadyExists, path)
		}
	}

	backend := w.native
	if w.isCLR(req.State.Pid) {
		backend = w.clr
	}

	correlationID := uuid.New()
	if w.diag != nil {
		_ = w.diag.Append(req.Timestamp, req.State.Pid, req.Trigger, "dump_requested", path, correlationID.String())
	}

	if err := backend.Dump(ctx, req.State.Pid, path); err != nil {
		if w.diag != nil {
			_ = w.diag.Append(req.Timestamp, req.State.Pid, req.Trigger, "dump_failed", path, err.Error())
		}
		return "", fmt.Errorf("dumpwriter: dump %s (correlation %s): %w", path, correlationID, err)
	}

	req.State.IncrementDumps()
	if w.diag != nil {
		_ = w.diag.Append(req.Timestamp, req.State.Pid, req.Trigger, "dump_written", path, "")
	}
	return path, nil
}

// path computes the deterministic dump file path per §4.5: a custom base
// name (only ever set for pid/name selectors — enforced at config
// validation time) produces "{dir}/{base}_{counter}.{pid}"; otherwise the
// path is "{dir}/{name}_{trigger}_{timestamp}.{pid}".
func (w *Writer) path(req Request) (string, error) {
	cfg := req.State.Cfg
	dir := cfg.DumpDir
	if dir == "" {
		dir = "."
	}
	pidSuffix := strconv.Itoa(req.State.Pid)

	if cfg.DumpBaseName != "" {
		counter := req.State.DumpsCollected() + 1
		name := fmt.Sprintf("%s_%d.%s", cfg.DumpBaseName, counter, pidSuffix)
		return filepath.Join(dir, name), nil
	}

	ts := req.Timestamp.Local().Format("2006-01-02_15:04:05")
	name := fmt.Sprintf("%s_%s_%s.%s", sanitizeName(req.State.Name), req.Trigger, ts, pidSuffix)
	return filepath.Join(dir, name), nil
}

// sanitizeName guards against a process name containing path separators
// (e.g. derived from a cmdline a target controls) leaking into a
// filesystem path component.
func sanitizeName(name string) string {
	if name == "" {
		return "proc"
	}
	return filepath.Base(name)
}
