package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

var (
	// ErrNotFound is returned when no configuration file can be located.
	ErrNotFound = errors.New("configuration file not found")
	// ErrInvalid wraps every malformed or inconsistent configuration.
	ErrInvalid = errors.New("invalid configuration")
)

// searchPath is the discovery order used when no explicit path is given.
type searchPath struct {
	name string
	dir  string
}

func defaultSearchPaths() []searchPath {
	paths := []searchPath{{name: "siptty", dir: "."}}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, searchPath{name: "config", dir: filepath.Join(dir, "siptty")})
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, searchPath{name: "config", dir: filepath.Join(home, ".siptty")})
	}
	return paths
}

// Find locates the configuration file. An explicit path wins; otherwise
// ./siptty.toml, <user config dir>/siptty/config.toml and ~/.siptty/config.toml
// are tried in order.
func Find(explicit string) (string, error) {
	if explicit != "" {
		v := viper.New()
		v.SetConfigFile(explicit)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
			}
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return v.ConfigFileUsed(), nil
	}
	return find(defaultSearchPaths())
}

func find(paths []searchPath) (string, error) {
	for _, p := range paths {
		v := viper.New()
		v.SetConfigName(p.name)
		v.SetConfigType("toml")
		v.AddConfigPath(p.dir)

		err := v.ReadInConfig()
		if err == nil {
			return v.ConfigFileUsed(), nil
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return "", ErrNotFound
}

// Load finds, decodes and validates the configuration.
func Load(explicit string) (*Config, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	slog.Info("[Config] Loaded", "path", path, "accounts", len(cfg.Accounts))
	return cfg, nil
}

// Parse decodes a TOML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: configuration file is empty", ErrInvalid)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse TOML: %v", ErrInvalid, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: configuration file is empty", ErrInvalid)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	raw := rawConfig{
		General: Default().General,
		Audio:   Default().Audio,
		History: Default().History,
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}

	cfg := raw.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rawConfig mirrors Config with pointers where a missing key must keep a
// non-zero default.
type rawConfig struct {
	General  GeneralConfig `toml:"general"`
	Accounts []rawAccount  `toml:"accounts"`
	Audio    AudioConfig   `toml:"audio"`
	History  HistoryConfig `toml:"history"`
}

type rawAccount struct {
	Name          string            `toml:"name"`
	Enabled       *bool             `toml:"enabled"`
	SIPURI        string            `toml:"sip_uri"`
	AuthUser      string            `toml:"auth_user"`
	AuthPassword  string            `toml:"auth_password"`
	Registrar     string            `toml:"registrar"`
	OutboundProxy string            `toml:"outbound_proxy"`
	Transport     string            `toml:"transport"`
	Register      *bool             `toml:"register"`
	RegExpiry     *int              `toml:"reg_expiry"`
	NAT           NATConfig         `toml:"nat"`
	TLS           rawTLS            `toml:"tls"`
	SRTP          SRTPConfig        `toml:"srtp"`
	Codecs        CodecConfig       `toml:"codecs"`
	BLF           []BLFConfig       `toml:"blf"`
	Headers       map[string]string `toml:"headers"`
}

type rawTLS struct {
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	CAFile       string `toml:"ca_file"`
	VerifyServer *bool  `toml:"verify_server"`
}

func (r rawConfig) resolve() *Config {
	cfg := &Config{
		General: r.General,
		Audio:   r.Audio,
		History: r.History,
	}
	if cfg.General.NullAudio {
		cfg.Audio.Mode = AudioNull
	}
	cfg.History.DBFile = ExpandHome(cfg.History.DBFile)
	cfg.General.LogFile = ExpandHome(cfg.General.LogFile)

	for _, ra := range r.Accounts {
		a := DefaultAccount(ra.SIPURI)
		a.Name = ra.Name
		if a.Name == "" {
			a.Name = a.AuthUser
		}
		if ra.AuthUser != "" {
			a.AuthUser = ra.AuthUser
		}
		a.AuthPassword = ra.AuthPassword
		a.Registrar = ra.Registrar
		a.OutboundProxy = ra.OutboundProxy
		if ra.Transport != "" {
			a.Transport = ra.Transport
		}
		if ra.Enabled != nil {
			a.Enabled = *ra.Enabled
		}
		if ra.Register != nil {
			a.Register = *ra.Register
		}
		if ra.RegExpiry != nil {
			a.RegExpiry = *ra.RegExpiry
		}
		a.NAT = ra.NAT
		a.TLS.CertFile = ExpandHome(ra.TLS.CertFile)
		a.TLS.KeyFile = ExpandHome(ra.TLS.KeyFile)
		a.TLS.CAFile = ExpandHome(ra.TLS.CAFile)
		if ra.TLS.VerifyServer != nil {
			a.TLS.VerifyServer = *ra.TLS.VerifyServer
		}
		a.SRTP = ra.SRTP
		if len(ra.Codecs.Priority) > 0 {
			a.Codecs.Priority = ra.Codecs.Priority
		}
		a.BLF = ra.BLF
		a.Headers = ra.Headers
		cfg.Accounts = append(cfg.Accounts, a)
	}
	return cfg
}
