// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
version: 1
global:
  server_name: example.com
  private_key: matrix_key.pem
  database:
    connection_string: file:roomfed.db
  jetstream:
    storage_path: ./jetstream
    topic_prefix: Test
federation_api:
  join_timeout: 30s
  request_timeout: 5s
  broadcast_concurrency: 4
  server_addresses:
    remote.example: "127.0.0.1:8448"
room_server:
  database:
    connection_string: file:rooms.db
logging:
- type: std
  level: info
`

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return ed25519.NewKeyFromSeed(seed)
}

func TestLoadConfigRelative(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	pemData := EncodeKeyPEM("ed25519:a_test", key)

	var readPath string
	cfg, err := loadConfig("/my/config/dir", []byte(testConfig), func(path string) ([]byte, error) {
		readPath = path
		return pemData, nil
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/my/config/dir", "matrix_key.pem"), readPath)
	assert.Equal(t, spec.ServerName("example.com"), cfg.Global.ServerName)
	assert.Equal(t, "ed25519:a_test", string(cfg.Global.KeyID))
	assert.True(t, key.Equal(cfg.Global.PrivateKey))
	assert.Equal(t, Path("/my/config/dir/jetstream"), cfg.Global.JetStream.StoragePath)
	assert.Equal(t, "TestOutputRoomEvent", cfg.Global.JetStream.Prefixed("OutputRoomEvent"))

	assert.Equal(t, 30*time.Second, cfg.FederationAPI.JoinTimeout)
	assert.Equal(t, 5*time.Second, cfg.FederationAPI.RequestTimeout)
	assert.Equal(t, 4, cfg.FederationAPI.BroadcastConcurrency)
	assert.Equal(t, "127.0.0.1:8448", cfg.FederationAPI.ServerAddresses["remote.example"])
	assert.Equal(t, DataSource("file:rooms.db"), cfg.RoomServer.Database.ConnectionString)
	assert.Same(t, &cfg.Global, cfg.FederationAPI.Matrix)
	assert.Len(t, cfg.Logging, 1)
	assert.NotEmpty(t, cfg.PublicKeyBase64())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()
	pemData := EncodeKeyPEM("ed25519:a_test", testKey(t))
	readKey := func(string) ([]byte, error) { return pemData, nil }

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "wrong version",
			config:  "version: 2\n",
			wantErr: "config version is 2",
		},
		{
			name:    "missing server name",
			config:  "version: 1\nglobal:\n  private_key: key.pem\n  database:\n    connection_string: file:x.db\n  jetstream:\n    in_memory: true\n",
			wantErr: `missing config key "global.server_name"`,
		},
		{
			name:    "bad connection string",
			config:  "version: 1\nglobal:\n  server_name: a\n  private_key: key.pem\n  database:\n    connection_string: mysql://x\n  jetstream:\n    in_memory: true\n",
			wantErr: `"global.database.connection_string"`,
		},
		{
			name:    "no database at all",
			config:  "version: 1\nglobal:\n  server_name: a\n  private_key: key.pem\n  jetstream:\n    in_memory: true\n",
			wantErr: `missing config key "room_server.database.connection_string"`,
		},
		{
			name:    "broadcast concurrency",
			config:  "version: 1\nglobal:\n  server_name: a\n  private_key: key.pem\n  database:\n    connection_string: file:x.db\n  jetstream:\n    in_memory: true\nfederation_api:\n  broadcast_concurrency: 0\n",
			wantErr: "federation_api.broadcast_concurrency",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig("/tmp", []byte(tc.config), readKey)
			require.Error(t, err)
			configErrs, ok := err.(ConfigErrors)
			require.True(t, ok, "expected ConfigErrors, got %T", err)
			assert.Contains(t, fmt.Sprint([]string(configErrs)), tc.wantErr)
		})
	}
}

func TestReadKeyPEM(t *testing.T) {
	t.Parallel()
	key := testKey(t)

	keyID, priv, err := readKeyPEM("key.pem", EncodeKeyPEM("ed25519:abc", key), true)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:abc", string(keyID))
	assert.True(t, key.Equal(priv))

	_, _, err = readKeyPEM("key.pem", EncodeKeyPEM("ed25519:not-valid!", key), true)
	assert.ErrorContains(t, err, "illegal characters")

	_, _, err = readKeyPEM("key.pem", EncodeKeyPEM("rsa:abc", key), true)
	assert.ErrorContains(t, err, `doesn't start with "ed25519:"`)

	_, _, err = readKeyPEM("key.pem", []byte("garbage"), true)
	assert.Error(t, err)
}

func TestGeneratedDefaultsVerify(t *testing.T) {
	t.Parallel()
	var cfg Dendrite
	cfg.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	assert.Empty(t, configErrs)
	assert.Equal(t, DataSource("file:roomfed.db"), cfg.Global.DatabaseOptions.ConnectionString)
	assert.Empty(t, cfg.RoomServer.Database.ConnectionString)
	assert.True(t, cfg.FederationAPI.RateLimiting.Enabled)
}

func TestSampleConfigLoads(t *testing.T) {
	t.Parallel()
	sample, err := os.ReadFile(filepath.Join("..", "..", "roomfed-sample.yaml"))
	require.NoError(t, err)
	pemData := EncodeKeyPEM("ed25519:sample", testKey(t))

	cfg, err := loadConfig("/etc/roomfed", sample, func(string) ([]byte, error) { return pemData, nil })
	require.NoError(t, err)
	assert.Equal(t, spec.ServerName("localhost"), cfg.Global.ServerName)
	assert.True(t, cfg.Global.DatabaseOptions.ConnectionString.IsPostgres())
	assert.Equal(t, int64(3), cfg.ClientAPI.RateLimiting.PerHandlerOverrides["join"].Threshold)
	assert.Len(t, cfg.FederationAPI.DenyNetworkCIDRs, 9)
	assert.Len(t, cfg.Logging, 2)
}
