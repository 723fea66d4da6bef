// Package config loads and validates the immutable configuration
// snapshot the Supervisor starts from: one MasterConfig owning a list
// of RFID readers and a list of balances, each a DeviceConfig plus its
// own parameters. Loaded once, at start-up, from a TOML file, the same
// one-struct-tree unmarshal idiom as the teacher's cmd/mqttradio/main.go.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/starerr"
)

// DeviceConfig holds the serial parameters shared by every device.
type DeviceConfig struct {
	ID      int    `toml:"id"`
	Name    string `toml:"name"`
	Port    string `toml:"port"`
	Baud    int    `toml:"baud"`
	DataBits int   `toml:"data_bits"`
	Parity  string `toml:"parity"` // "N" or "E"
	StopBits int   `toml:"stop_bits"`
	XonXoff bool   `toml:"xon_xoff"`
	RtsCts  bool   `toml:"rts_cts"`
	DtrDsr  bool   `toml:"dtr_dsr"`
	Enabled bool   `toml:"enabled"`
}

// RfidReaderConfig extends DeviceConfig with no extra fields.
type RfidReaderConfig struct {
	DeviceConfig
}

// BalanceConfig extends DeviceConfig with balance-specific parameters.
type BalanceConfig struct {
	DeviceConfig

	ReaderID int `toml:"reader_id"`

	MeasurementRateHz int `toml:"measurement_rate_hz"`
	StabilityN        int `toml:"stability_n"`
	ToleranceKg       float64 `toml:"tolerance_kg"`
	MinMassKg         float64 `toml:"min_mass_kg"`
	UnlockMassKg      float64 `toml:"unlock_mass_kg"`
	RefloadMassKg     float64 `toml:"refload_mass_kg"`

	ZeroValue    *int64 `toml:"zero_value"`
	RefloadValue *int64 `toml:"refload_value"`

	AmpSignalFilterMode int  `toml:"amp_signal_filter_mode"`
	FastResponseFilter  bool `toml:"fast_response_filter"`
	ReadContinuously    bool `toml:"read_continuously"`
}

// MasterConfig is the singleton root of the configuration tree.
type MasterConfig struct {
	WhiskerHost         string  `toml:"whisker_host"`
	WhiskerPort         int     `toml:"whisker_port"`
	BroadcastPrefix     string  `toml:"broadcast_prefix"`
	RfidEffectiveTimeS  float64 `toml:"rfid_effective_time_s"`

	DatabasePath        string  `toml:"database_path"`
	RfidCoalesceWindowS float64 `toml:"rfid_coalesce_window_s"`

	Readers  []RfidReaderConfig `toml:"reader"`
	Balances []BalanceConfig    `toml:"balance"`
}

// defaultDatabasePath and defaultRfidCoalesceWindowS apply when the
// TOML file leaves those keys unset, matching §6.4's "coalescing
// window" and giving a sensible on-disk default for the event store.
const (
	defaultDatabasePath        = "starfeeder.sqlite"
	defaultRfidCoalesceWindowS = 1.0
)

// Load reads and parses path, then validates the result.
func Load(path string) (*MasterConfig, error) {
	var cfg MasterConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, starerr.New(starerr.Config, "", fmt.Errorf("decoding %s: %w", path, err))
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}
	if cfg.RfidCoalesceWindowS <= 0 {
		cfg.RfidCoalesceWindowS = defaultRfidCoalesceWindowS
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var allowedRates = map[int]bool{1: true, 2: true, 3: true, 6: true, 10: true}

// Validate checks the invariants of §3: unique names, unique ports,
// exactly one enabled reader per enabled balance, parameter ranges.
func (c *MasterConfig) Validate() error {
	if c.RfidEffectiveTimeS <= 0 {
		return starerr.Newf(starerr.Config, "", "rfid_effective_time_s must be > 0, got %v", c.RfidEffectiveTimeS)
	}

	names := map[string]bool{}
	ports := map[string]bool{}
	readerIDs := map[int]*RfidReaderConfig{}

	checkDevice := func(kind string, d DeviceConfig) error {
		if d.Name == "" {
			return starerr.Newf(starerr.Config, "", "%s with id %d has no name", kind, d.ID)
		}
		if names[d.Name] {
			return starerr.Newf(starerr.Config, d.Name, "duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.Enabled {
			portKey := strings.ToLower(d.Port)
			if ports[portKey] {
				return starerr.Newf(starerr.Config, d.Name, "duplicate serial port %q", d.Port)
			}
			ports[portKey] = true
		}
		return nil
	}

	for i := range c.Readers {
		r := &c.Readers[i]
		if err := checkDevice("reader", r.DeviceConfig); err != nil {
			return err
		}
		readerIDs[r.ID] = r
	}

	usedReaders := map[int]string{}
	for i := range c.Balances {
		b := &c.Balances[i]
		if err := checkDevice("balance", b.DeviceConfig); err != nil {
			return err
		}
		if !b.Enabled {
			continue
		}
		reader, ok := readerIDs[b.ReaderID]
		if !ok || !reader.Enabled {
			return starerr.Newf(starerr.Config, b.Name, "balance references unknown or disabled reader_id %d", b.ReaderID)
		}
		if other, taken := usedReaders[b.ReaderID]; taken {
			return starerr.Newf(starerr.Config, b.Name, "reader_id %d already paired with balance %q", b.ReaderID, other)
		}
		usedReaders[b.ReaderID] = b.Name

		if !allowedRates[b.MeasurementRateHz] {
			return starerr.Newf(starerr.Config, b.Name, "measurement_rate_hz %d not in {1,2,3,6,10}", b.MeasurementRateHz)
		}
		if b.StabilityN < 2 {
			return starerr.Newf(starerr.Config, b.Name, "stability_n must be >= 2, got %d", b.StabilityN)
		}
		if b.ToleranceKg <= 0 {
			return starerr.Newf(starerr.Config, b.Name, "tolerance_kg must be > 0")
		}
		if b.MinMassKg <= 0 {
			return starerr.Newf(starerr.Config, b.Name, "min_mass_kg must be > 0")
		}
		if b.UnlockMassKg <= 0 {
			return starerr.Newf(starerr.Config, b.Name, "unlock_mass_kg must be > 0")
		}
		if !(b.UnlockMassKg < b.MinMassKg) {
			return starerr.Newf(starerr.Config, b.Name, "unlock_mass_kg must be < min_mass_kg")
		}
		if b.RefloadMassKg <= 0 {
			return starerr.Newf(starerr.Config, b.Name, "refload_mass_kg must be > 0")
		}
		if b.ZeroValue != nil && b.RefloadValue != nil && *b.ZeroValue == *b.RefloadValue {
			return starerr.Newf(starerr.Config, b.Name, "refload_value must not equal zero_value")
		}
		if b.AmpSignalFilterMode < 0 || b.AmpSignalFilterMode > 8 {
			return starerr.Newf(starerr.Config, b.Name, "amp_signal_filter_mode must be in [0,8]")
		}
	}
	return nil
}

// ParityCode maps the textual parity field to the BDR command's
// numeric code (0 = none, 1 = even), per §4.4.
func ParityCode(parity string) int {
	if strings.EqualFold(parity, "E") {
		return 1
	}
	return 0
}
