package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/pkg/tlsutil"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EVENTRELAY_CONSUMER_SECRET", "EVENTRELAY_WEBHOOK_ADDR",
		"EVENTRELAY_WEBHOOK_TLS_CERT", "EVENTRELAY_WEBHOOK_TLS_KEY",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestServerConfig_RequiresConsumerSecret(t *testing.T) {
	isolateEnv(t)

	_, _, err := serverConfig(&CLIConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestServerConfig_SecretFromEnvAndAddrFlag(t *testing.T) {
	isolateEnv(t)
	t.Setenv("EVENTRELAY_CONSUMER_SECRET", "shh")

	cfg, tlsConfig, err := serverConfig(&CLIConfig{Addr: ":9443"})
	require.NoError(t, err)
	assert.Equal(t, "shh", cfg.Credentials.ConsumerSecret)
	assert.Equal(t, ":9443", cfg.Webhook.Addr)
	assert.Nil(t, tlsConfig, "tls stays off without certificate files")
}

func TestServerConfig_LoadsTLS(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	certPEM, keyPEM, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	path := writeConfig(t, `{
		"credentials": {"consumer_secret": "shh"},
		"webhook": {"tls": {"cert_file": "`+filepath.ToSlash(certFile)+`", "key_file": "`+filepath.ToSlash(keyFile)+`"}}
	}`)
	_, tlsConfig, err := serverConfig(&CLIConfig{ConfigPath: path})
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestServerConfig_RejectsBrokenTLS(t *testing.T) {
	isolateEnv(t)
	missing := filepath.ToSlash(filepath.Join(t.TempDir(), "missing.pem"))

	path := writeConfig(t, `{
		"credentials": {"consumer_secret": "shh"},
		"webhook": {"tls": {"cert_file": "`+missing+`", "key_file": "`+missing+`"}}
	}`)
	_, _, err := serverConfig(&CLIConfig{ConfigPath: path})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestValidateFlags(t *testing.T) {
	assert.NoError(t, validateFlags(&CLIConfig{}))
	assert.NoError(t, validateFlags(&CLIConfig{LogLevel: "debug", LogFormat: "json"}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "loud"}))
	assert.Error(t, validateFlags(&CLIConfig{LogFormat: "xml"}))
	assert.Error(t, validateFlags(&CLIConfig{ConfigPath: filepath.Join(t.TempDir(), "nope.json")}))
	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true, LogLevel: "loud"}))
}
