/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// ConfigName is the base name of the config file, any extension
	// viper can read is accepted.
	ConfigName = "config"
	EnvPrefix  = "GOISCSI"

	DefaultPortal  = "0.0.0.0:3260"
	DefaultAPIHost = "tcp://127.0.0.1:23457"
)

var configDir = os.Getenv("GOISCSI_CONFIG")

type LUN struct {
	LUN        uint64 `mapstructure:"lun"`
	Class      string `mapstructure:"class"`
	Store      string `mapstructure:"store"`
	Path       string `mapstructure:"path"`
	Size       uint64 `mapstructure:"size"`
	BlockShift uint   `mapstructure:"block_shift"`
	ReadOnly   bool   `mapstructure:"read_only"`
	Serial     string `mapstructure:"serial"`
}

type Target struct {
	Name    string   `mapstructure:"name"`
	Alias   string   `mapstructure:"alias"`
	TPGT    uint16   `mapstructure:"tpgt"`
	Portals []string `mapstructure:"portals"`
	LUNs    []LUN    `mapstructure:"luns"`
}

type API struct {
	// PROTO://ADDR, fd:// for systemd socket activation
	Hosts []string `mapstructure:"hosts"`
}

type Negotiation struct {
	// YAML key table merged over the built-in one
	Keys string `mapstructure:"keys"`
	// key name to local value
	Overrides map[string]string `mapstructure:"overrides"`
}

type Config struct {
	Portals            []string      `mapstructure:"portals"`
	MaxConnections     int           `mapstructure:"max_connections"`
	LoginTimeout       time.Duration `mapstructure:"login_timeout"`
	NopInterval        time.Duration `mapstructure:"nop_interval"`
	NopTimeout         time.Duration `mapstructure:"nop_timeout"`
	LogoutWait         time.Duration `mapstructure:"logout_wait"`
	QueueDepth         uint32        `mapstructure:"queue_depth"`
	BlockMultipleHosts bool          `mapstructure:"block_multiple_hosts"`
	API                API           `mapstructure:"api"`
	Negotiation        Negotiation   `mapstructure:"negotiation"`
	Targets            []Target      `mapstructure:"targets"`

	// file the values were read from, empty when none was found
	File string `mapstructure:"-"`
}

func init() {
	if configDir != "" {
		return
	}
	home, err := homedir.Dir()
	if err != nil {
		log.Warnf("cannot find home directory: %v", err)
		home = "."
	}
	configDir = filepath.Join(home, ".goiscsi")
}

// ConfigDir returns the directory the configuration file is stored in
func ConfigDir() string {
	return configDir
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portals", []string{DefaultPortal})
	v.SetDefault("max_connections", 0)
	v.SetDefault("login_timeout", 15*time.Second)
	v.SetDefault("nop_interval", time.Duration(0))
	v.SetDefault("nop_timeout", time.Duration(0))
	v.SetDefault("logout_wait", 10*time.Second)
	v.SetDefault("queue_depth", 128)
	v.SetDefault("block_multiple_hosts", false)
	v.SetDefault("api.hosts", []string{DefaultAPIHost})
	v.SetDefault("negotiation.keys", "")
	v.SetDefault("negotiation.overrides", map[string]string{})
}

// Load reads the configuration file in dir. A missing file yields the
// defaults. GOISCSI_* environment variables override file values.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = ConfigDir()
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config in %s: %w", dir, err)
		}
		log.Debugf("no config file in %s, using defaults", dir)
	}
	return decode(v)
}

// LoadFile reads one configuration file, its format taken from the extension.
func LoadFile(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.File = v.ConfigFileUsed()
	if config.Negotiation.Keys != "" {
		keys, err := homedir.Expand(config.Negotiation.Keys)
		if err != nil {
			return nil, err
		}
		// relative to the config file
		if !filepath.IsAbs(keys) && config.File != "" {
			keys = filepath.Join(filepath.Dir(config.File), keys)
		}
		config.Negotiation.Keys = keys
	}
	for i := range config.Targets {
		if config.Targets[i].TPGT == 0 {
			config.Targets[i].TPGT = 1
		}
	}
	if err := config.Validate(); err != nil {
		if config.File != "" {
			return nil, fmt.Errorf("%s: %w", config.File, err)
		}
		return nil, err
	}
	return config, nil
}

// Validate checks the values a daemon cannot start with.
func (c *Config) Validate() error {
	for _, p := range c.Portals {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("portal %q: %v", p, err)
		}
	}
	for _, h := range c.API.Hosts {
		if !strings.Contains(h, "://") {
			return fmt.Errorf("bad API host %s, expected PROTO://ADDR", h)
		}
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections %d is negative", c.MaxConnections)
	}
	names := map[string]bool{}
	for _, t := range c.Targets {
		if t.Name == "" {
			return errors.New("target without name")
		}
		if names[t.Name] {
			return fmt.Errorf("target %s defined twice", t.Name)
		}
		names[t.Name] = true
		luns := map[uint64]bool{}
		for _, l := range t.LUNs {
			if l.Class == "" {
				return fmt.Errorf("target %s LUN %d: no class", t.Name, l.LUN)
			}
			if luns[l.LUN] {
				return fmt.Errorf("target %s: LUN %d defined twice", t.Name, l.LUN)
			}
			luns[l.LUN] = true
		}
	}
	return nil
}
