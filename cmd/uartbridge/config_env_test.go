package main

import (
	"os"
	"testing"
	"time"

	"github.com/kstaniek/uartbridge/internal/config"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validBaseConfig()

	os.Setenv("UARTBRIDGE_BAUD", "230400")
	os.Setenv("UARTBRIDGE_MDNS_ENABLE", "true")
	os.Setenv("UARTBRIDGE_UART_READ_TIMEOUT", "100ms")
	os.Setenv("UARTBRIDGE_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("UARTBRIDGE_BAUD")
		os.Unsetenv("UARTBRIDGE_MDNS_ENABLE")
		os.Unsetenv("UARTBRIDGE_UART_READ_TIMEOUT")
		os.Unsetenv("UARTBRIDGE_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.uartReadTO != 100*time.Millisecond {
		t.Fatalf("expected uartReadTO 100ms got %v", base.uartReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validBaseConfig()
	base.baud = 115200
	os.Setenv("UARTBRIDGE_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("UARTBRIDGE_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := validBaseConfig()
	os.Setenv("UARTBRIDGE_MAX_CONN", "notint")
	t.Cleanup(func() { os.Unsetenv("UARTBRIDGE_MAX_CONN") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyFileOverrides_FillsUnsetFields(t *testing.T) {
	c := validBaseConfig()
	c.baud = 115200
	f := &config.File{Baud: 230400, MDNSEnable: true}
	applyFileOverrides(c, f, map[string]struct{}{})
	if c.baud != 230400 {
		t.Fatalf("expected baud from file, got %d", c.baud)
	}
	if !c.mdnsEnable {
		t.Fatalf("expected mdnsEnable from file")
	}
}

func TestApplyFileOverrides_FlagPrecedenceOverFile(t *testing.T) {
	c := validBaseConfig()
	c.baud = 115200
	f := &config.File{Baud: 230400}
	applyFileOverrides(c, f, map[string]struct{}{"baud": {}})
	if c.baud != 115200 {
		t.Fatalf("expected baud unchanged (flag set), got %d", c.baud)
	}
}

func TestApplyEnvOverrides_VNCPassword(t *testing.T) {
	base := validBaseConfig()
	base.vncPassword = ""
	os.Setenv("UARTBRIDGE_VNC_PASSWORD", "s3cret")
	t.Cleanup(func() { os.Unsetenv("UARTBRIDGE_VNC_PASSWORD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.vncPassword != "s3cret" {
		t.Fatalf("expected vncPassword from env, got %q", base.vncPassword)
	}
}
