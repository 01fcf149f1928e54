// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, fs afero.Fs, content string) string {
	t.Helper()
	path := "/etc/pgsentinel.conf"
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	return path
}

func TestLoadFull(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
cluster_name = prod
node = 2
conninfo = host=10.0.0.2 user=repmgr dbname=repmgr
failover = automatic
promote_command = repmgr standby promote
follow_command = repmgr standby follow
loglevel = DEBUG
logfacility = STDOUT
`)

	cfg, err := NewLoaderWithFs(fs).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.NodeID)
	assert.Equal(t, "prod", cfg.ClusterName)
	assert.Equal(t, "host=10.0.0.2 user=repmgr dbname=repmgr", cfg.Conninfo)
	assert.Equal(t, FailoverAutomatic, cfg.Failover)
	assert.Equal(t, "repmgr standby promote", cfg.PromoteCommand)
	assert.Equal(t, "repmgr standby follow", cfg.FollowCommand)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "repmgr_prod", cfg.SchemaName())
}

func TestLoadDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
node = 1
conninfo = host=localhost
`)

	cfg, err := NewLoaderWithFs(fs).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.ClusterName)
	assert.Equal(t, FailoverManual, cfg.Failover)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "STDERR", cfg.LogFacility)
}

func TestLoadUppercaseFailoverMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
node = 1
conninfo = host=localhost
failover = MANUAL
`)

	cfg, err := NewLoaderWithFs(fs).Load(path)
	require.NoError(t, err)
	assert.Equal(t, FailoverManual, cfg.Failover)
}

func TestLoadMissingNode(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
conninfo = host=localhost
`)

	_, err := NewLoaderWithFs(fs).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingConninfo(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
node = 1
`)

	_, err := NewLoaderWithFs(fs).Load(path)
	assert.Error(t, err)
}

func TestLoadBadFailoverMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
node = 1
conninfo = host=localhost
failover = sometimes
`)

	_, err := NewLoaderWithFs(fs).Load(path)
	assert.Error(t, err)
}

func TestAutomaticRequiresCommands(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := writeConfig(t, fs, `
node = 1
conninfo = host=localhost
failover = automatic
promote_command = pg_ctl promote
`)

	_, err := NewLoaderWithFs(fs).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "follow_command")
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := NewLoaderWithFs(fs).Load("/nope.conf")
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	cfg := &Config{
		NodeID:      3,
		ClusterName: "prod",
		Conninfo:    "host=h",
		Failover:    FailoverManual,
	}
	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, out, "cluster_name: prod")
	assert.Contains(t, out, "node: 3")
}
