package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical simulator defaults file.
const DefaultConfigPath = "config/simcontrol.defaults.json"

// SimConfig is the root configuration for the simulator daemon.
// Every field is optional; the Get* methods supply defaults for unset fields.
type SimConfig struct {
	// Cycle driver
	CyclePeriod       *string  `json:"cycle_period,omitempty"` // duration string like "10ms"
	ModuleName        *string  `json:"module_name,omitempty"`
	StartVelocity     *float64 `json:"start_velocity,omitempty"`
	StartAcceleration *float64 `json:"start_acceleration,omitempty"`

	// Map snapping
	MapFile         *string  `json:"map_file,omitempty"`
	MaxSnapDistance *float64 `json:"max_snap_distance,omitempty"`

	// Surfaces
	ListenAddr       *string `json:"listen_addr,omitempty"`
	GRPCAddr         *string `json:"grpc_addr,omitempty"`
	MaxStreamClients *int    `json:"max_stream_clients,omitempty"`

	// Recording
	DBPath       *string `json:"db_path,omitempty"`
	RecordStates *bool   `json:"record_states,omitempty"`
	RecordEveryN *int    `json:"record_every_n,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySimConfig returns a SimConfig with all fields set to nil.
func EmptySimConfig() *SimConfig {
	return &SimConfig{}
}

// DefaultSimConfig returns a SimConfig with every field populated from the
// built-in defaults. It matches config/simcontrol.defaults.json.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		CyclePeriod:       ptrString("10ms"),
		ModuleName:        ptrString("SimControl"),
		StartVelocity:     ptrFloat64(0),
		StartAcceleration: ptrFloat64(0),
		MapFile:           ptrString(""),
		MaxSnapDistance:   ptrFloat64(5.0),
		ListenAddr:        ptrString(":8080"),
		GRPCAddr:          ptrString("localhost:50061"),
		MaxStreamClients:  ptrInt(5),
		DBPath:            ptrString("sim_control.db"),
		RecordStates:      ptrBool(false),
		RecordEveryN:      ptrInt(10),
	}
}

// LoadSimConfig loads a SimConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the file fall back to the Get* defaults.
func LoadSimConfig(path string) (*SimConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySimConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *SimConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/x/
	}
	for _, path := range candidates {
		if cfg, err := LoadSimConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SimConfig) Validate() error {
	if c.CyclePeriod != nil && *c.CyclePeriod != "" {
		d, err := time.ParseDuration(*c.CyclePeriod)
		if err != nil {
			return fmt.Errorf("invalid cycle_period '%s': %w", *c.CyclePeriod, err)
		}
		if d <= 0 {
			return fmt.Errorf("cycle_period must be positive, got %s", d)
		}
	}

	if c.MaxSnapDistance != nil && *c.MaxSnapDistance <= 0 {
		return fmt.Errorf("max_snap_distance must be positive, got %f", *c.MaxSnapDistance)
	}

	if c.MaxStreamClients != nil && *c.MaxStreamClients < 1 {
		return fmt.Errorf("max_stream_clients must be at least 1, got %d", *c.MaxStreamClients)
	}

	if c.RecordEveryN != nil && *c.RecordEveryN < 1 {
		return fmt.Errorf("record_every_n must be at least 1, got %d", *c.RecordEveryN)
	}

	return nil
}

// GetCyclePeriod parses and returns the CyclePeriod as a time.Duration.
func (c *SimConfig) GetCyclePeriod() time.Duration {
	if c.CyclePeriod == nil || *c.CyclePeriod == "" {
		return 10 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.CyclePeriod)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond // default on parse error
	}
	return d
}

// GetModuleName returns the module_name value or the default.
func (c *SimConfig) GetModuleName() string {
	if c.ModuleName == nil || *c.ModuleName == "" {
		return "SimControl"
	}
	return *c.ModuleName
}

// GetStartVelocity returns the start_velocity value or the default.
func (c *SimConfig) GetStartVelocity() float64 {
	if c.StartVelocity == nil {
		return 0
	}
	return *c.StartVelocity
}

// GetStartAcceleration returns the start_acceleration value or the default.
func (c *SimConfig) GetStartAcceleration() float64 {
	if c.StartAcceleration == nil {
		return 0
	}
	return *c.StartAcceleration
}

// GetMapFile returns the map_file value; empty disables start point snapping.
func (c *SimConfig) GetMapFile() string {
	if c.MapFile == nil {
		return ""
	}
	return *c.MapFile
}

// GetMaxSnapDistance returns the max_snap_distance value or the default.
func (c *SimConfig) GetMaxSnapDistance() float64 {
	if c.MaxSnapDistance == nil {
		return 5.0
	}
	return *c.MaxSnapDistance
}

// GetListenAddr returns the listen_addr value or the default.
func (c *SimConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetGRPCAddr returns the grpc_addr value or the default.
func (c *SimConfig) GetGRPCAddr() string {
	if c.GRPCAddr == nil || *c.GRPCAddr == "" {
		return "localhost:50061"
	}
	return *c.GRPCAddr
}

// GetMaxStreamClients returns the max_stream_clients value or the default.
func (c *SimConfig) GetMaxStreamClients() int {
	if c.MaxStreamClients == nil {
		return 5
	}
	return *c.MaxStreamClients
}

// GetDBPath returns the db_path value or the default.
func (c *SimConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "sim_control.db"
	}
	return *c.DBPath
}

// GetRecordStates returns the record_states value or the default.
func (c *SimConfig) GetRecordStates() bool {
	if c.RecordStates == nil {
		return false // default: recording disabled
	}
	return *c.RecordStates
}

// GetRecordEveryN returns the record_every_n value or the default.
func (c *SimConfig) GetRecordEveryN() int {
	if c.RecordEveryN == nil {
		return 10
	}
	return *c.RecordEveryN
}
