package diag

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndVerify_CleanChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Unix(1700000000, 0)
	if err := l.Append(now, 100, "memory", "dump_written", "/tmp/out.100", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(now.Add(time.Second), 100, "memory", "dump_written", "/tmp/out2.100", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	broken, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if broken != -1 {
		t.Errorf("Verify reported broken entry at %d, want -1 (clean)", broken)
	}
}

func TestVerify_DetectsTamperedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		if err := l.Append(now.Add(time.Duration(i)*time.Second), 100, "cpu", "dump_written", "", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(string(data)[:len(data)-2]) // corrupt the last line's trailing byte
	tampered = append(tampered, 'X', '\n')
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatal(err)
	}

	broken, err := Verify(path)
	if err == nil && broken == -1 {
		t.Error("Verify did not detect tampering")
	}
}

func TestOpen_ResumesExistingChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.log")
	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Unix(1700000000, 0)
	if err := l1.Append(now, 1, "timer", "dump_written", "", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l2.seq != 1 {
		t.Errorf("resumed seq = %d, want 1", l2.seq)
	}
	if err := l2.Append(now.Add(time.Second), 1, "timer", "dump_written", "", ""); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if err := l2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	broken, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if broken != -1 {
		t.Errorf("Verify reported broken entry at %d after a clean resume", broken)
	}
}
