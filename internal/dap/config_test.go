package dap

import (
	"encoding/json"
	"testing"
)

// TestSessionConfigUnmarshalsSpecWireFormat exercises the exact
// snake_case shape spec §6 documents for launch/attach arguments,
// including the string enums for protocol and console_log_level.
func TestSessionConfigUnmarshalsSpecWireFormat(t *testing.T) {
	raw := []byte(`{
		"chip": "stm32f407",
		"protocol": "swd",
		"speed_khz": 4000,
		"connect_under_reset": true,
		"core_configs": [
			{
				"core_index": 0,
				"program_binary": "/tmp/firmware.elf",
				"svd_file": "/tmp/stm32f407.svd",
				"rtt": {
					"enabled": true,
					"channels": [{"channel": 0, "name": "console"}],
					"timeout_ms": 500,
					"show_timestamps": true
				}
			}
		],
		"flashing_config": {
			"enabled": true,
			"halt_after_reset": true,
			"full_chip_erase": false,
			"restore_unwritten_bytes": true,
			"format_options": {"verify": "true"}
		},
		"console_log_level": "debug"
	}`)

	var cfg SessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if cfg.Chip != "stm32f407" {
		t.Fatalf("Chip = %q, want stm32f407", cfg.Chip)
	}
	if cfg.Protocol != ProtocolSWD {
		t.Fatalf("Protocol = %v, want ProtocolSWD", cfg.Protocol)
	}
	if cfg.SpeedKHz != 4000 {
		t.Fatalf("SpeedKHz = %d, want 4000", cfg.SpeedKHz)
	}
	if !cfg.ConnectUnderReset {
		t.Fatalf("ConnectUnderReset = false, want true")
	}
	if len(cfg.CoreConfigs) != 1 {
		t.Fatalf("len(CoreConfigs) = %d, want 1", len(cfg.CoreConfigs))
	}
	cc := cfg.CoreConfigs[0]
	if cc.CoreIndex != 0 || cc.ProgramBinary != "/tmp/firmware.elf" || cc.SVDFile != "/tmp/stm32f407.svd" {
		t.Fatalf("CoreConfigs[0] = %+v, fields did not bind", cc)
	}
	if !cc.RTT.Enabled || len(cc.RTT.Channels) != 1 || cc.RTT.Channels[0].Channel != 0 || cc.RTT.Channels[0].Name != "console" {
		t.Fatalf("CoreConfigs[0].RTT = %+v, fields did not bind", cc.RTT)
	}
	if cc.RTT.TimeoutMs != 500 || !cc.RTT.ShowTimestamps {
		t.Fatalf("CoreConfigs[0].RTT = %+v, fields did not bind", cc.RTT)
	}
	if !cfg.Flashing.Enabled || !cfg.Flashing.HaltAfterReset || cfg.Flashing.FullChipErase || !cfg.Flashing.RestoreUnwrittenBytes {
		t.Fatalf("Flashing = %+v, fields did not bind", cfg.Flashing)
	}
	if cfg.Flashing.FormatOptions["verify"] != "true" {
		t.Fatalf("Flashing.FormatOptions = %+v, want verify=true", cfg.Flashing.FormatOptions)
	}
	if cfg.ConsoleLogLevel != LogDebug {
		t.Fatalf("ConsoleLogLevel = %v, want LogDebug", cfg.ConsoleLogLevel)
	}
}

func TestProtocolUnmarshalRejectsUnknownValue(t *testing.T) {
	var p Protocol
	if err := json.Unmarshal([]byte(`"rs232"`), &p); err == nil {
		t.Fatalf("Unmarshal(%q): want error, got nil", "rs232")
	}
}

func TestLogLevelUnmarshalRejectsUnknownValue(t *testing.T) {
	var l LogLevel
	if err := json.Unmarshal([]byte(`"verbose"`), &l); err == nil {
		t.Fatalf("Unmarshal(%q): want error, got nil", "verbose")
	}
}

func TestProtocolUnmarshalJTAG(t *testing.T) {
	var p Protocol
	if err := json.Unmarshal([]byte(`"jtag"`), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p != ProtocolJTAG {
		t.Fatalf("p = %v, want ProtocolJTAG", p)
	}
}
