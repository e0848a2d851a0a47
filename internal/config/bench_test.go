package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultBenchConfig(t *testing.T) {
	cfg := DefaultBenchConfig()

	if cfg.BaudRate == nil || *cfg.BaudRate != 115200 {
		t.Errorf("Expected BaudRate 115200, got %v", cfg.BaudRate)
	}
	if cfg.Device == nil || *cfg.Device != "vco" {
		t.Errorf("Expected Device 'vco', got %v", cfg.Device)
	}
	if got := cfg.Addresses["analyzer"]; got != "GPIB1::18::INSTR" {
		t.Errorf("Expected analyzer GPIB1::18::INSTR, got %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadBenchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bench.json")

	testJSON := `{
  "addresses": {"source": "GPIB0::5::INSTR"},
  "serial_port": "/dev/ttyACM1",
  "device": "demod",
  "mock": true
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadBenchConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetSerialPort() != "/dev/ttyACM1" {
		t.Errorf("GetSerialPort() = %q, want /dev/ttyACM1", cfg.GetSerialPort())
	}
	if cfg.GetDevice() != "demod" {
		t.Errorf("GetDevice() = %q, want demod", cfg.GetDevice())
	}
	if !cfg.GetMock() {
		t.Error("GetMock() = false, want true")
	}
	// Omitted fields fall back to defaults.
	if cfg.GetBaudRate() != 115200 {
		t.Errorf("GetBaudRate() = %d, want 115200", cfg.GetBaudRate())
	}
	if cfg.GetListen() != ":8080" {
		t.Errorf("GetListen() = %q, want :8080", cfg.GetListen())
	}

	addrs := cfg.GetAddresses()
	if addrs["source"] != "GPIB0::5::INSTR" {
		t.Errorf("Expected overridden source address, got %q", addrs["source"])
	}
	if addrs["gen_lo"] != "GPIB1::6::INSTR" {
		t.Errorf("Expected default gen_lo address, got %q", addrs["gen_lo"])
	}
}

func TestLoadBenchConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	testCases := []struct {
		name     string
		filename string
		content  string
		wantErr  string
	}{
		{"wrong extension", "bench.yaml", `{}`, ".json extension"},
		{"bad json", "bad.json", `{not json`, "failed to parse"},
		{"bad address", "addr.json", `{"addresses": {"analyzer": "TCPIP::1"}}`, "address for"},
		{"negative baud", "baud.json", `{"baud_rate": -1}`, "baud_rate"},
		{"empty device", "dev.json", `{"device": " "}`, "device"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tc.filename)
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatalf("Failed to write file: %v", err)
			}
			_, err := LoadBenchConfig(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadBenchConfig_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, maxFileSize+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(path, big, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadBenchConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected too large error, got %v", err)
	}
}

func TestLoadBenchConfig_Missing(t *testing.T) {
	if _, err := LoadBenchConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseGPIBAddress(t *testing.T) {
	testCases := []struct {
		in      string
		want    GPIBAddress
		wantErr bool
	}{
		{in: "GPIB1::18::INSTR", want: GPIBAddress{Board: 1, Primary: 18}},
		{in: "GPIB::3", want: GPIBAddress{Primary: 3}},
		{in: "gpib0::7::instr", want: GPIBAddress{Primary: 7}},
		{in: "6", want: GPIBAddress{Primary: 6}},
		{in: "", wantErr: true},
		{in: "GPIB1::31::INSTR", wantErr: true},
		{in: "TCPIP0::10.0.0.1::INSTR", wantErr: true},
		{in: "GPIB1::x", wantErr: true},
		{in: "GPIB1::5::SOCKET", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseGPIBAddress(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestGPIBAddress_String(t *testing.T) {
	a := GPIBAddress{Board: 1, Primary: 18}
	if a.String() != "GPIB1::18::INSTR" {
		t.Errorf("Expected GPIB1::18::INSTR, got %s", a.String())
	}
}
