package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "starfeeder.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validTOML = `
whisker_host = "127.0.0.1"
whisker_port = 3233
broadcast_prefix = "LAB1_"
rfid_effective_time_s = 5.0

[[reader]]
id = 1
name = "reader1"
port = "COM1"
baud = 9600
data_bits = 8
parity = "N"
stop_bits = 1
xon_xoff = true
enabled = true

[[balance]]
id = 2
name = "balance1"
port = "COM2"
baud = 9600
data_bits = 8
parity = "E"
stop_bits = 1
xon_xoff = true
enabled = true
reader_id = 1
measurement_rate_hz = 3
stability_n = 3
tolerance_kg = 0.001
min_mass_kg = 0.05
unlock_mass_kg = 0.01
refload_mass_kg = 1.0
amp_signal_filter_mode = 0
read_continuously = true
`

func TestLoadValid(t *testing.T) {
	path := writeTOML(t, validTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Readers, 1)
	assert.Len(t, cfg.Balances, 1)
	assert.Equal(t, 3, cfg.Balances[0].MeasurementRateHz)
}

func TestValidateDuplicateName(t *testing.T) {
	cfg := &MasterConfig{
		RfidEffectiveTimeS: 5,
		Readers: []RfidReaderConfig{
			{DeviceConfig: DeviceConfig{ID: 1, Name: "dup", Port: "COM1", Enabled: true}},
			{DeviceConfig: DeviceConfig{ID: 2, Name: "dup", Port: "COM2", Enabled: true}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateUnpairedBalance(t *testing.T) {
	cfg := &MasterConfig{
		RfidEffectiveTimeS: 5,
		Balances: []BalanceConfig{
			{
				DeviceConfig:      DeviceConfig{ID: 1, Name: "b1", Port: "COM1", Enabled: true},
				ReaderID:          99,
				MeasurementRateHz: 3,
				StabilityN:        3,
				ToleranceKg:       0.1,
				MinMassKg:         0.1,
				UnlockMassKg:      0.01,
				RefloadMassKg:     1,
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateUnlockMustBeBelowMin(t *testing.T) {
	cfg := &MasterConfig{
		RfidEffectiveTimeS: 5,
		Readers: []RfidReaderConfig{
			{DeviceConfig: DeviceConfig{ID: 1, Name: "r1", Port: "COM1", Enabled: true}},
		},
		Balances: []BalanceConfig{
			{
				DeviceConfig:      DeviceConfig{ID: 2, Name: "b1", Port: "COM2", Enabled: true},
				ReaderID:          1,
				MeasurementRateHz: 3,
				StabilityN:        3,
				ToleranceKg:       0.1,
				MinMassKg:         0.1,
				UnlockMassKg:      0.2,
				RefloadMassKg:     1,
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestParityCode(t *testing.T) {
	assert.Equal(t, 1, ParityCode("E"))
	assert.Equal(t, 0, ParityCode("N"))
	assert.Equal(t, 0, ParityCode(""))
}
