// Package dap implements spec §4.H: the Debug Adapter Protocol session
// state machine sitting on top of the core driver, debug-info provider,
// unwinder and variable resolver. Wire framing is google/go-dap's; the
// polling loop and request-dispatch shape follow the teacher's
// runtime_ipc.go command-dispatch style, generalized from its
// machine-IPC domain to a DAP request/response/event one.
package dap

import (
	"encoding/json"
	"fmt"
	"time"
)

// RTTChannelConfig is one RTT channel's polling configuration (spec §6
// SessionConfig.core_configs[].rtt).
type RTTChannelConfig struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
}

// RTTConfig is the core_configs[].rtt block.
type RTTConfig struct {
	Enabled        bool               `json:"enabled"`
	Channels       []RTTChannelConfig `json:"channels"`
	TimeoutMs      int                `json:"timeout_ms"`
	ShowTimestamps bool               `json:"show_timestamps"`
}

// CoreConfig is one entry of SessionConfig.core_configs[].
type CoreConfig struct {
	CoreIndex     int       `json:"core_index"`
	ProgramBinary string    `json:"program_binary"`
	SVDFile       string    `json:"svd_file"`
	RTT           RTTConfig `json:"rtt"`
}

// FlashingConfig is SessionConfig.flashing_config (spec §6).
type FlashingConfig struct {
	Enabled               bool              `json:"enabled"`
	HaltAfterReset        bool              `json:"halt_after_reset"`
	FullChipErase         bool              `json:"full_chip_erase"`
	RestoreUnwrittenBytes bool              `json:"restore_unwritten_bytes"`
	FormatOptions         map[string]string `json:"format_options"`
}

// LogLevel is SessionConfig.console_log_level, written on the wire as one
// of the strings "error", "info", "debug" (spec §6).
type LogLevel int

const (
	LogError LogLevel = iota
	LogInfo
	LogDebug
)

var logLevelNames = map[string]LogLevel{
	"error": LogError,
	"info":  LogInfo,
	"debug": LogDebug,
}

// UnmarshalJSON accepts the spec's string enum instead of an int.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("console_log_level: %w", err)
	}
	v, ok := logLevelNames[s]
	if !ok {
		return fmt.Errorf("console_log_level: unknown value %q", s)
	}
	*l = v
	return nil
}

// Protocol selects the wire protocol, written on the wire as "swd" or
// "jtag" (spec §6).
type Protocol int

const (
	ProtocolSWD Protocol = iota
	ProtocolJTAG
)

var protocolNames = map[string]Protocol{
	"swd":  ProtocolSWD,
	"jtag": ProtocolJTAG,
}

// UnmarshalJSON accepts the spec's string enum instead of an int.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	v, ok := protocolNames[s]
	if !ok {
		return fmt.Errorf("protocol: unknown value %q", s)
	}
	*p = v
	return nil
}

// SessionConfig is the full configuration carried by launch/attach (spec
// §6).
type SessionConfig struct {
	Chip              string         `json:"chip"`
	Protocol          Protocol       `json:"protocol"`
	SpeedKHz          int            `json:"speed_khz"`
	ConnectUnderReset bool           `json:"connect_under_reset"`
	CoreConfigs       []CoreConfig   `json:"core_configs"`
	Flashing          FlashingConfig `json:"flashing_config"`
	ConsoleLogLevel   LogLevel       `json:"console_log_level"`
}

// pollSlowInterval and pollFastInterval implement spec §4.H's cooperative
// polling loop: sleep 100ms while every core is halted, poll every 50ms
// while any core is running (or immediately after RTT data surfaced).
const (
	pollSlowInterval = 100 * time.Millisecond
	pollFastInterval = 50 * time.Millisecond
)
