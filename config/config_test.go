// Copyright 2024-2025 The httpinvoke Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Pool.MaxConnections)
	require.Equal(t, 60, cfg.Pool.IdleTimeoutSeconds)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
pool:
  max_connections: 4
  idle_timeout_seconds: 120
discovery:
  addresses:
    - 10.0.0.1:8080
    - 10.0.0.2:8080
  redial_interval_seconds: 30
`))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Pool.MaxConnections)
	require.Equal(t, 120, cfg.Pool.IdleTimeoutSeconds)
	require.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, cfg.Discovery.Addresses)
	require.Equal(t, 30, cfg.Discovery.RedialIntervalSeconds)

	options, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.NotEmpty(t, options)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "pool: ["))
	require.Error(t, err)
}

func TestTLSConfigMissingCA(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.TLS = TLSConfig{CAFile: filepath.Join(t.TempDir(), "absent.pem")}
	_, err := cfg.ClientOptions()
	require.Error(t, err)
}

func TestLoggingLevel(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Logging.Level = "debug"
	options, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.NotEmpty(t, options)

	cfg.Logging.Level = "shouting"
	_, err = cfg.ClientOptions()
	require.Error(t, err)
}

func TestTLSServerNameOnly(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.TLS = TLSConfig{ServerName: "backend.internal"}
	options, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.NotEmpty(t, options)
}
