package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError names the offending field. It matches ErrInvalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return invalid("accounts", "at least one account is required")
	}

	var errs []error
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, invalid(field+".name", "duplicate account name %q", a.Name))
		}
		seen[a.Name] = true
	}

	switch c.Audio.Mode {
	case AudioNull:
	case AudioFile:
		if c.Audio.PlayFile == "" {
			errs = append(errs, invalid("audio.play_file", "required when audio.mode is %q", AudioFile))
		}
	default:
		errs = append(errs, invalid("audio.mode", "must be %q or %q, got %q", AudioNull, AudioFile, c.Audio.Mode))
	}

	if c.History.Enabled && c.History.DBFile == "" {
		errs = append(errs, invalid("history.db_file", "required when history is enabled"))
	}

	return errors.Join(errs...)
}

// Validate checks a single account.
func (a AccountConfig) Validate() error {
	if a.SIPURI == "" {
		return invalid("sip_uri", "required")
	}
	if !strings.HasPrefix(a.SIPURI, "sip:") && !strings.HasPrefix(a.SIPURI, "sips:") {
		return invalid("sip_uri", "%q must start with 'sip:'", a.SIPURI)
	}
	if a.Name == "" {
		return invalid("name", "required")
	}
	switch a.Transport {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		return invalid("transport", "must be one of udp, tcp, tls, got %q", a.Transport)
	}
	if a.Register && a.RegExpiry <= 0 {
		return invalid("reg_expiry", "must be positive, got %d", a.RegExpiry)
	}
	return nil
}
