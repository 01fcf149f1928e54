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

// Package config loads the daemon's configuration file.
//
// The file is the classic repmgr key = value format (Java-properties style,
// which viper parses natively):
//
//	cluster_name = prod
//	node = 2
//	conninfo = host=10.0.0.2 user=repmgr dbname=repmgr
//	failover = automatic
//	promote_command = repmgr standby promote
//	follow_command = repmgr standby follow
//	loglevel = INFO
//	logfacility = STDERR
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when no -f/--config flag is given.
const DefaultPath = "/etc/pgsentinel.conf"

// FailoverMode selects what the supervisor does once the reconnect ladder
// is exhausted.
type FailoverMode string

const (
	// FailoverManual waits for an operator to promote a peer and only
	// rediscovers the new primary.
	FailoverManual FailoverMode = "manual"

	// FailoverAutomatic runs the distributed election.
	FailoverAutomatic FailoverMode = "automatic"
)

// Config is the daemon's effective configuration.
type Config struct {
	// NodeID identifies this node in repl_nodes. Required.
	NodeID int `mapstructure:"node" yaml:"node" validate:"required,gt=0"`

	// ClusterName scopes the registry schema (repmgr_<cluster_name>).
	ClusterName string `mapstructure:"cluster_name" yaml:"cluster_name" validate:"required,max=64"`

	// Conninfo is how this daemon reaches its local database.
	Conninfo string `mapstructure:"conninfo" yaml:"conninfo" validate:"required"`

	Failover FailoverMode `mapstructure:"failover" yaml:"failover" validate:"oneof=manual automatic"`

	// PromoteCommand and FollowCommand are opaque shell strings executed
	// verbatim by the elector. Required when failover is automatic.
	PromoteCommand string `mapstructure:"promote_command" yaml:"promote_command"`
	FollowCommand  string `mapstructure:"follow_command" yaml:"follow_command"`

	LogLevel    string `mapstructure:"loglevel" yaml:"loglevel"`
	LogFacility string `mapstructure:"logfacility" yaml:"logfacility"`
}

// SchemaName returns the per-cluster registry schema.
func (c *Config) SchemaName() string {
	return "repmgr_" + c.ClusterName
}

// Loader reads and watches the configuration file. The filesystem is
// injectable so tests load from an in-memory afero fs.
type Loader struct {
	fs afero.Fs
	v  *viper.Viper
}

// NewLoader builds a Loader over the OS filesystem.
func NewLoader() *Loader {
	return NewLoaderWithFs(afero.NewOsFs())
}

// NewLoaderWithFs builds a Loader over fs.
func NewLoaderWithFs(fs afero.Fs) *Loader {
	return &Loader{fs: fs}
}

// Load parses the file at path and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetFs(l.fs)
	v.SetConfigFile(path)
	v.SetConfigType("properties")

	v.SetDefault("cluster_name", "default")
	v.SetDefault("failover", string(FailoverManual))
	v.SetDefault("loglevel", "INFO")
	v.SetDefault("logfacility", "STDERR")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(failoverModeHook)
	}
	if err := v.Unmarshal(cfg, viper.DecoderConfigOption(decode)); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.v = v
	return cfg, nil
}

// Watch re-reads the file on change and invokes onChange with the freshly
// loaded (and validated) config. A change that fails to load or validate
// is reported via onError and the previous config stays in effect. Only
// loglevel is honored dynamically by the daemon; everything else requires
// a restart.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.v == nil {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load(l.v.ConfigFileUsed())
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// failoverModeHook folds the historic upper-case MANUAL / AUTOMATIC
// spellings into the canonical lower-case mode.
func failoverModeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(FailoverMode("")) || from.Kind() != reflect.String {
		return data, nil
	}
	return FailoverMode(strings.ToLower(data.(string))), nil
}

// Validate checks the config for use by the daemon.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Failover == FailoverAutomatic {
		if c.PromoteCommand == "" {
			return fmt.Errorf("invalid configuration: promote_command is required when failover = automatic")
		}
		if c.FollowCommand == "" {
			return fmt.Errorf("invalid configuration: follow_command is required when failover = automatic")
		}
	}
	return nil
}

// Dump renders the effective config as YAML for the startup debug log.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
