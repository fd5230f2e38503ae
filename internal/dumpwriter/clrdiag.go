package dumpwriter

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
	"unicode/utf16"

	"github.com/cenkalti/backoff/v4"
)

// The .NET diagnostics IPC wire format (DOTNET_IPC_V1, §6). Every multi-byte
// integer in the envelope is little-endian except the 2-byte total packet
// size, which is big-endian — this asymmetry is part of the real protocol,
// not a typo.
const (
	clrMagic            = "DOTNET_IPC_V1\x00" // 14 bytes
	clrHeaderSize       = 20                  // magic(14) + size(2) + cmdSet(1) + cmd(1) + reserved(2)
	clrCommandSetDump   = 0x01
	clrCommandWriteDump = 0x01
	clrDumpTypeFull     = 4
)

// CLRBackend dumps a managed .NET process by speaking the diagnostics IPC
// protocol directly to its well-known unix socket, rather than shelling out
// to a separate tool (§6).
type CLRBackend struct {
	// Dial is overridable in tests in place of net.Dial.
	Dial func(ctx context.Context, path string) (net.Conn, error)
}

func (b *CLRBackend) dial() func(ctx context.Context, path string) (net.Conn, error) {
	if b.Dial != nil {
		return b.Dial
	}
	return func(ctx context.Context, path string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// Dump connects to pid's diagnostics socket and requests a full-process
// dump be written to path by the runtime itself. Connection is retried with
// backoff (the runtime may still be creating the socket at startup).
func (b *CLRBackend) Dump(ctx context.Context, pid int, path string) error {
	sockPath, err := findCLRSocket(pid)
	if err != nil || sockPath == "" {
		return fmt.Errorf("clrdiag: no diagnostics socket for pid %d", pid)
	}

	var conn net.Conn
	dial := b.dial()
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		c, dialErr := dial(ctx, sockPath)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}, bo)
	if err != nil {
		return fmt.Errorf("clrdiag: dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	req, err := encodeWriteDumpRequest(path, clrDumpTypeFull)
	if err != nil {
		return fmt.Errorf("clrdiag: encode request: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("clrdiag: write request: %w", err)
	}
	if half, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = half.CloseWrite()
	}

	status, err := readWriteDumpResponse(conn)
	if err != nil {
		return fmt.Errorf("clrdiag: read response: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("clrdiag: runtime returned failure status 0x%x", status)
	}
	return nil
}

// encodeWriteDumpRequest builds a WriteDump command envelope: the common
// header, a UTF-16LE NUL-terminated dump path, a dump type, and a flags
// word (always 0 — no logging sub-flags are requested).
func encodeWriteDumpRequest(path string, dumpType uint32) ([]byte, error) {
	nameUTF16 := utf16.Encode([]rune(path))
	nameUTF16 = append(nameUTF16, 0) // NUL terminator, counted in the length

	payload := make([]byte, 0, 4+len(nameUTF16)*2+4+4)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(nameUTF16)))
	for _, u := range nameUTF16 {
		payload = binary.LittleEndian.AppendUint16(payload, u)
	}
	payload = binary.LittleEndian.AppendUint32(payload, dumpType)
	payload = binary.LittleEndian.AppendUint32(payload, 0) // flags

	totalSize := clrHeaderSize + len(payload)
	if totalSize > 0xFFFF {
		return nil, fmt.Errorf("clrdiag: request too large (%d bytes)", totalSize)
	}

	buf := make([]byte, 0, totalSize)
	buf = append(buf, []byte(clrMagic)...)
	// Packet size is the one field in the header sent big-endian.
	sizeBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(sizeBuf, uint16(totalSize))
	buf = append(buf, sizeBuf...)
	buf = append(buf, byte(clrCommandSetDump), byte(clrCommandWriteDump))
	buf = append(buf, 0, 0) // reserved
	buf = append(buf, payload...)
	return buf, nil
}

// readWriteDumpResponse reads the response header (same shape as the
// request header) followed by a 4-byte little-endian status code.
func readWriteDumpResponse(conn net.Conn) (uint32, error) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	header := make([]byte, clrHeaderSize)
	if _, err := readFull(conn, header); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if string(header[:len(clrMagic)]) != clrMagic {
		return 0, fmt.Errorf("unexpected magic in response")
	}

	status := make([]byte, 4)
	if _, err := readFull(conn, status); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return binary.LittleEndian.Uint32(status), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
