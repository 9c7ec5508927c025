package tlsutil

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
)

func writePair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM, err := SelfSigned("localhost")
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig_Disabled(t *testing.T) {
	cfg, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writePair(t)

	cfg, err := LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestLoadServerConfig_ClientCAs(t *testing.T) {
	certFile, keyFile := writePair(t)

	cfg, err := LoadServerConfig(ServerConfig{
		CertFile:          certFile,
		KeyFile:           keyFile,
		ClientCAFiles:     []string{certFile},
		RequireClientCert: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
}

func TestLoadServerConfig_Errors(t *testing.T) {
	certFile, keyFile := writePair(t)

	_, err := LoadServerConfig(ServerConfig{CertFile: certFile})
	assert.True(t, errors.IsInvalid(err), "key file missing")

	_, err = LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.0"})
	assert.True(t, errors.IsInvalid(err), "old version")

	_, err = LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: filepath.Join(t.TempDir(), "none")})
	assert.True(t, errors.IsFatal(err))

	bogus := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not pem"), 0o644))
	_, err = LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{bogus}})
	assert.True(t, errors.IsFatal(err))
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writePair(t)

	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = LoadClientConfig(ClientConfig{CAFiles: []string{certFile}, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{filepath.Join(t.TempDir(), "missing.pem")}})
	assert.True(t, errors.IsFatal(err))
}

func TestClientConfig_IsZero(t *testing.T) {
	assert.True(t, ClientConfig{}.IsZero())
	assert.False(t, ClientConfig{MinVersion: "1.3"}.IsZero())
	assert.False(t, ClientConfig{InsecureSkipVerify: true}.IsZero())
}
