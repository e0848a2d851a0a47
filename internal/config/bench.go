package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigPath is the path to the bench configuration file.
const DefaultConfigPath = "config/bench.json"

// maxFileSize bounds every JSON file read by this package.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// Default GPIB addresses per instrument role.
var defaultAddresses = map[string]string{
	"analyzer": "GPIB1::18::INSTR",
	"source":   "GPIB1::3::INSTR",
	"gen_lo":   "GPIB1::6::INSTR",
	"gen_rf":   "GPIB1::7::INSTR",
}

// BenchConfig describes the bench wiring: where the GPIB controller is
// attached, which address each instrument answers on, and where results are
// stored. Fields omitted from the JSON file fall back to the Get* defaults.
type BenchConfig struct {
	// Instrument addresses keyed by role ("analyzer", "source", ...).
	Addresses map[string]string `json:"addresses,omitempty"`

	// Serial link to the Prologix-style GPIB controller.
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`

	Database *string `json:"database,omitempty"`
	Listen   *string `json:"listen,omitempty"`
	Device   *string `json:"device,omitempty"`

	// Mock selects the simulated bench instead of real hardware.
	Mock *bool `json:"mock,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// DefaultBenchConfig returns a BenchConfig with every field populated.
func DefaultBenchConfig() *BenchConfig {
	addrs := make(map[string]string, len(defaultAddresses))
	for k, v := range defaultAddresses {
		addrs[k] = v
	}
	return &BenchConfig{
		Addresses:  addrs,
		SerialPort: ptrString("/dev/ttyUSB0"),
		BaudRate:   ptrInt(115200),
		DataBits:   ptrInt(8),
		StopBits:   ptrInt(1),
		Parity:     ptrString("N"),
		Database:   ptrString("rfbench.db"),
		Listen:     ptrString(":8080"),
		Device:     ptrString("vco"),
		Mock:       ptrBool(false),
	}
}

// LoadBenchConfig loads a BenchConfig from a JSON file.
// The file must have a .json extension and be under the max file size.
// Omitted fields keep their defaults, so partial configs are safe.
func LoadBenchConfig(path string) (*BenchConfig, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &BenchConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// readJSONFile validates the extension and size of a JSON file and reads it.
func readJSONFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Validate checks that the configuration values are valid.
func (c *BenchConfig) Validate() error {
	for role, addr := range c.Addresses {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("instrument role must not be empty")
		}
		if _, err := ParseGPIBAddress(addr); err != nil {
			return fmt.Errorf("address for %q: %w", role, err)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}

	if c.Device != nil && strings.TrimSpace(*c.Device) == "" {
		return fmt.Errorf("device must not be empty")
	}

	return nil
}

// GetAddresses returns the configured addresses merged over the defaults.
func (c *BenchConfig) GetAddresses() map[string]string {
	out := make(map[string]string, len(defaultAddresses)+len(c.Addresses))
	for k, v := range defaultAddresses {
		out[k] = v
	}
	for k, v := range c.Addresses {
		out[k] = v
	}
	return out
}

// GetSerialPort returns the serial_port value or the default.
func (c *BenchConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *BenchConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetDataBits returns the data_bits value or the default.
func (c *BenchConfig) GetDataBits() int {
	if c.DataBits == nil {
		return 8
	}
	return *c.DataBits
}

// GetStopBits returns the stop_bits value or the default.
func (c *BenchConfig) GetStopBits() int {
	if c.StopBits == nil {
		return 1
	}
	return *c.StopBits
}

// GetParity returns the parity value or the default.
func (c *BenchConfig) GetParity() string {
	if c.Parity == nil {
		return "N"
	}
	return *c.Parity
}

// GetDatabase returns the database value or the default.
func (c *BenchConfig) GetDatabase() string {
	if c.Database == nil {
		return "rfbench.db"
	}
	return *c.Database
}

// GetListen returns the listen value or the default.
func (c *BenchConfig) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// GetDevice returns the device value or the default.
func (c *BenchConfig) GetDevice() string {
	if c.Device == nil {
		return "vco"
	}
	return *c.Device
}

// GetMock returns the mock value or the default.
func (c *BenchConfig) GetMock() bool {
	if c.Mock == nil {
		return false
	}
	return *c.Mock
}
