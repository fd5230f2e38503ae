package dumpwriter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GcoreBackend dumps a native process with gdb's gcore utility. gcore
// writes to "{prefix}.{pid}", which is exactly the naming scheme Writer
// already constructs, so the prefix passed to gcore is path with the
// ".{pid}" suffix trimmed back off.
type GcoreBackend struct {
	// Exec is overridable in tests in place of exec.CommandContext.
	Exec func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func (b *GcoreBackend) execCmd() func(ctx context.Context, name string, args ...string) *exec.Cmd {
	if b.Exec != nil {
		return b.Exec
	}
	return exec.CommandContext
}

// Dump runs "gcore -o <prefix> <pid>" and surfaces gcore's stderr verbatim
// on failure so the operator sees the tool's own diagnosis (missing
// ptrace permission, unsupported architecture, and so on).
func (b *GcoreBackend) Dump(ctx context.Context, pid int, path string) error {
	prefix := strings.TrimSuffix(path, "."+strconv.Itoa(pid))

	cmd := b.execCmd()(ctx, "gcore", "-o", prefix, strconv.Itoa(pid))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gcore: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
