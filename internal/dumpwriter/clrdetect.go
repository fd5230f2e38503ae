package dumpwriter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// procNetUnixPath is the kernel's live table of Unix-domain sockets.
// Overridable in tests.
var procNetUnixPath = "/proc/net/unix"

// clrSocketDir is the directory .NET's diagnostics IPC listener creates its
// socket in: $TMPDIR, or /tmp when TMPDIR is unset.
func clrSocketDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// clrSocketPrefix is the filename prefix the .NET runtime uses for a given
// pid's diagnostics IPC socket: "dotnet-diagnostic-{pid}".
func clrSocketPrefix(pid int) string {
	return fmt.Sprintf("dotnet-diagnostic-%d", pid)
}

// IsCLRProcess reports whether pid exposes a .NET diagnostics IPC socket,
// identifying it as a managed process that should be dumped via the CLR
// protocol (§6) rather than gcore.
func IsCLRProcess(pid int) bool {
	path, err := findCLRSocket(pid)
	return err == nil && path != ""
}

// findCLRSocket reads the kernel's Unix-socket record (/proc/net/unix)
// line-by-line, skipping the header line; a line's 8th whitespace-separated
// token is a socket pathname, accepted iff it contains the target's
// "dotnet-diagnostic-{pid}" prefix rooted under the diagnostics socket
// directory (§6). Unbound sockets have no 8th field and are skipped.
func findCLRSocket(pid int) (string, error) {
	f, err := os.Open(procNetUnixPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	want := filepath.Join(clrSocketDir(), clrSocketPrefix(pid))

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line: "Num RefCount Protocol Flags Type St Inode Path"
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		if strings.Contains(fields[7], want) {
			return fields[7], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", nil
}
