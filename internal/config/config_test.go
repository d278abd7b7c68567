package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[general]
log_level = 5
log_file = "/tmp/siptty-test.log"
user_agent = "siptty-test/1.0"

[[accounts]]
name = "office"
sip_uri = "sip:alice@pbx.example.com"
auth_password = "secret"
registrar = "sip:pbx.example.com"
outbound_proxy = "proxy.example.com"
transport = "tcp"
reg_expiry = 600

[accounts.nat]
stun_server = "stun.example.com"

[accounts.tls]
verify_server = false

[accounts.codecs]
priority = ["pcmu/8000", "pcma/8000"]

[[accounts.blf]]
extension = "201"
label = "Bob"

[accounts.headers]
X-Tenant = "acme"

[[accounts]]
sip_uri = "sip:carol@voip.example.org"
enabled = false
register = false

[audio]
mode = "file"
play_file = "/tmp/hold.wav"

[history]
max_entries = 50
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.General.LogLevel)
	assert.Equal(t, "siptty-test/1.0", cfg.General.UserAgent)
	require.Len(t, cfg.Accounts, 2)

	office := cfg.Accounts[0]
	assert.Equal(t, "office", office.Name)
	assert.Equal(t, "alice", office.AuthUser)
	assert.Equal(t, "tcp", office.Transport)
	assert.Equal(t, 600, office.RegExpiry)
	assert.True(t, office.Enabled)
	assert.True(t, office.Register)
	assert.False(t, office.TLS.VerifyServer)
	assert.Equal(t, []string{"pcmu/8000", "pcma/8000"}, office.Codecs.Priority)
	assert.Equal(t, []BLFConfig{{Extension: "201", Label: "Bob"}}, office.BLF)
	assert.Equal(t, map[string]string{"X-Tenant": "acme"}, office.Headers)
	assert.Equal(t, "stun.example.com", office.NAT.STUNServer)

	carol := cfg.Accounts[1]
	assert.Equal(t, "carol", carol.Name, "name defaults to the URI user part")
	assert.False(t, carol.Enabled)
	assert.False(t, carol.Register)
	assert.Equal(t, "udp", carol.Transport)
	assert.Equal(t, 300, carol.RegExpiry)
	assert.True(t, carol.TLS.VerifyServer)
	assert.Equal(t, DefaultCodecs, carol.Codecs.Priority)

	assert.Equal(t, "file", cfg.Audio.Mode)
	assert.Equal(t, "wav", cfg.Audio.RecordFormat)
	assert.Equal(t, 8080, cfg.Audio.BrowserPort)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 50, cfg.History.MaxEntries)

	assert.Len(t, cfg.EnabledAccounts(), 1)
	_, ok := cfg.Account("office")
	assert.True(t, ok)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[accounts]]
sip_uri = "sip:bob@example.com"
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.General.LogLevel)
	assert.Equal(t, "siptty/0.1", cfg.General.UserAgent)
	assert.Equal(t, "null", cfg.Audio.Mode)
	assert.Equal(t, 1000, cfg.History.MaxEntries)
	assert.NotContains(t, cfg.History.DBFile, "~")
}

func TestNullAudioForcesNullMode(t *testing.T) {
	cfg, err := Parse([]byte(`
[general]
null_audio = true

[[accounts]]
sip_uri = "sip:bob@example.com"

[audio]
mode = "file"
play_file = "x.wav"
`))
	require.NoError(t, err)
	assert.Equal(t, "null", cfg.Audio.Mode)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "  \n"},
		{"syntax", "[general\nlog_level = 1"},
		{"no accounts", "[general]\nlog_level = 1\n"},
		{"missing sip_uri", "[[accounts]]\nname = \"x\"\n"},
		{"wrong scheme", "[[accounts]]\nsip_uri = \"tel:+15551234\"\n"},
		{"bad transport", "[[accounts]]\nsip_uri = \"sip:a@b\"\ntransport = \"sctp\"\n"},
		{"bad audio mode", "[[accounts]]\nsip_uri = \"sip:a@b\"\n[audio]\nmode = \"alsa\"\n"},
		{"file mode without file", "[[accounts]]\nsip_uri = \"sip:a@b\"\n[audio]\nmode = \"file\"\n"},
		{"unknown key", "[[accounts]]\nsip_uri = \"sip:a@b\"\ncolour = \"blue\"\n"},
		{"wrong type", "[general]\nlog_level = \"loud\"\n[[accounts]]\nsip_uri = \"sip:a@b\"\n"},
		{"duplicate names", "[[accounts]]\nsip_uri = \"sip:a@b\"\n[[accounts]]\nsip_uri = \"sip:a@c\"\n"},
		{"zero expiry", "[[accounts]]\nsip_uri = \"sip:a@b\"\nreg_expiry = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidationErrorField(t *testing.T) {
	a := DefaultAccount("sip:a@b")
	a.Name = "a"
	a.Transport = "sctp"

	err := a.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transport", verr.Field)
}

func TestUserFromURI(t *testing.T) {
	tests := map[string]string{
		"sip:alice@pbx.example.com": "alice",
		"sips:bob@secure.example":   "bob",
		"sip:pbx.example.com":       "pbx.example.com",
		"sip:1001@10.0.0.1:5080":    "1001",
	}
	for in, want := range tests {
		assert.Equal(t, want, UserFromURI(in), in)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phone.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[accounts]]\nsip_uri = \"sip:dave@example.com\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "dave", cfg.Accounts[0].Name)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindSearchOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(second, "config.toml"), []byte("[general]\n"), 0o600))

	path, err := find([]searchPath{{name: "siptty", dir: first}, {name: "config", dir: second}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "config.toml"), path)

	_, err = find([]searchPath{{name: "siptty", dir: first}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".siptty/history.db"), ExpandHome("~/.siptty/history.db"))
	assert.Equal(t, "/var/log/x", ExpandHome("/var/log/x"))
}
