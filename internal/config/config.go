// Package config holds the siptty configuration schema, its defaults, and the
// loader that discovers, decodes and validates the TOML file.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Transport kinds accepted in account configuration.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// Audio modes.
const (
	AudioNull = "null"
	AudioFile = "file"
)

// Config is the validated application configuration.
type Config struct {
	General  GeneralConfig   `toml:"general"`
	Accounts []AccountConfig `toml:"accounts"`
	Audio    AudioConfig     `toml:"audio"`
	History  HistoryConfig   `toml:"history"`

	// Path is the file the configuration was loaded from
	Path string `toml:"-"`
}

// GeneralConfig holds process-wide settings
type GeneralConfig struct {
	LogLevel  int    `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	NullAudio bool   `toml:"null_audio"`
	UserAgent string `toml:"user_agent"`
}

// AccountConfig describes one SIP identity.
type AccountConfig struct {
	Name          string            `toml:"name"`
	Enabled       bool              `toml:"enabled"`
	SIPURI        string            `toml:"sip_uri"`
	AuthUser      string            `toml:"auth_user"`
	AuthPassword  string            `toml:"auth_password"`
	Registrar     string            `toml:"registrar"`
	OutboundProxy string            `toml:"outbound_proxy"`
	Transport     string            `toml:"transport"`
	Register      bool              `toml:"register"`
	RegExpiry     int               `toml:"reg_expiry"`
	NAT           NATConfig         `toml:"nat"`
	TLS           TLSConfig         `toml:"tls"`
	SRTP          SRTPConfig        `toml:"srtp"`
	Codecs        CodecConfig       `toml:"codecs"`
	BLF           []BLFConfig       `toml:"blf"`
	Headers       map[string]string `toml:"headers"`
}

// NATConfig holds NAT traversal settings
type NATConfig struct {
	STUNServer  string `toml:"stun_server"`
	ICEEnabled  bool   `toml:"ice_enabled"`
	TURNEnabled bool   `toml:"turn_enabled"`
	TURNServer  string `toml:"turn_server"`
	TURNUser    string `toml:"turn_user"`
	TURNPass    string `toml:"turn_pass"`
}

// TLSConfig holds TLS transport settings
type TLSConfig struct {
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	CAFile       string `toml:"ca_file"`
	VerifyServer bool   `toml:"verify_server"`
}

// SRTPConfig holds media encryption settings
type SRTPConfig struct {
	Enabled bool `toml:"enabled"`
	Require bool `toml:"require"`
}

// CodecConfig lists codecs in priority order, "name/clockrate".
type CodecConfig struct {
	Priority []string `toml:"priority"`
}

// BLFConfig is one busy lamp field entry
type BLFConfig struct {
	Extension string `toml:"extension"`
	Label     string `toml:"label"`
}

// AudioConfig selects the audio device mode
type AudioConfig struct {
	Mode         string `toml:"mode"`
	PlayFile     string `toml:"play_file"`
	RecordDir    string `toml:"record_dir"`
	RecordFormat string `toml:"record_format"`
	BrowserPort  int    `toml:"browser_port"`
}

// HistoryConfig controls the call history database
type HistoryConfig struct {
	Enabled    bool   `toml:"enabled"`
	DBFile     string `toml:"db_file"`
	MaxEntries int    `toml:"max_entries"`
}

// DefaultCodecs is the codec priority used when an account lists none.
var DefaultCodecs = []string{"opus/48000", "g722/16000", "pcmu/8000", "pcma/8000"}

// Default returns a configuration with every default applied and no accounts.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  3,
			LogFile:   "siptty.log",
			UserAgent: "siptty/0.1",
		},
		Audio: AudioConfig{
			Mode:         AudioNull,
			RecordFormat: "wav",
			BrowserPort:  8080,
		},
		History: HistoryConfig{
			Enabled:    true,
			DBFile:     "~/.siptty/history.db",
			MaxEntries: 1000,
		},
	}
}

// DefaultAccount returns an account with defaults applied for the given URI.
func DefaultAccount(sipURI string) AccountConfig {
	return AccountConfig{
		Enabled:   true,
		SIPURI:    sipURI,
		AuthUser:  UserFromURI(sipURI),
		Transport: TransportUDP,
		Register:  true,
		RegExpiry: 300,
		TLS:       TLSConfig{VerifyServer: true},
		Codecs:    CodecConfig{Priority: append([]string(nil), DefaultCodecs...)},
	}
}

// UserFromURI extracts the user part of a sip: or sips: URI.
//
//	sip:alice@pbx.example.com -> alice
func UserFromURI(uri string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if user, _, ok := strings.Cut(rest, "@"); ok {
		return user
	}
	return rest
}

// Account returns the account with the given name.
func (c *Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// EnabledAccounts returns the accounts with enabled set.
func (c *Config) EnabledAccounts() []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
