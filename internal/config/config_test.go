package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uartbridge.yaml")
	body := "uart: /dev/ttyUSB1\nbaud: 230400\nuart_read_timeout: 100ms\nvnc_password: hunter2\nmax_conn: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.UART != "/dev/ttyUSB1" {
		t.Fatalf("uart = %q", f.UART)
	}
	if f.Baud != 230400 {
		t.Fatalf("baud = %d", f.Baud)
	}
	if f.UARTReadTO != 100*time.Millisecond {
		t.Fatalf("uart_read_timeout = %v", f.UARTReadTO)
	}
	if f.VNCPassword != "hunter2" {
		t.Fatalf("vnc_password = %q", f.VNCPassword)
	}
	if f.MaxConn != 2 {
		t.Fatalf("max_conn = %d", f.MaxConn)
	}
}

func TestLoadFile_MissingPathErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
