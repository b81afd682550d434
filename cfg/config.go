// Copyright 2024 The sabfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg holds the mount-time configuration for sabfs.
package cfg

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Octal is an integer that renders and parses in octal, for permission
// bits in config files.
type Octal int

func (o Octal) String() string {
	return fmt.Sprintf("%03o", int(o))
}

func (o *Octal) Set(s string) error {
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

type Config struct {
	// Size of the shared byte region, in MiB. The region cannot be
	// resized after the first mount.
	RegionSizeMiB int `yaml:"region-size-mib" mapstructure:"region-size-mib"`

	// Storage block size in bytes. Mount-time constant.
	BlockSize int `yaml:"block-size" mapstructure:"block-size"`

	// Abort a spinning lock acquisition after this many iterations.
	// Zero disables deadlock detection.
	LockSpinBudget int `yaml:"lock-spin-budget" mapstructure:"lock-spin-budget"`

	// Default cap on listeners per emitter event. Zero means unlimited.
	MaxListeners int `yaml:"max-listeners" mapstructure:"max-listeners"`

	// Permission bits for paths created without an explicit mode.
	FilePerms Octal `yaml:"file-perms" mapstructure:"file-perms"`
	DirPerms  Octal `yaml:"dir-perms" mapstructure:"dir-perms"`

	// Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	LogSeverity string `yaml:"log-severity" mapstructure:"log-severity"`
}

// NewConfig returns the defaults used when no config file is supplied.
func NewConfig() *Config {
	return &Config{
		RegionSizeMiB:  256,
		BlockSize:      4096,
		LockSpinBudget: 0,
		MaxListeners:   0,
		FilePerms:      0o666,
		DirPerms:       0o777,
		LogSeverity:    "INFO",
	}
}

// octalDecodeHook lets viper decode "0755"-style strings into Octal.
func octalDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Octal(0)) {
			return data, nil
		}
		var o Octal
		if err := o.Set(data.(string)); err != nil {
			return nil, err
		}
		return o, nil
	}
}

// Load reads the optional YAML config file at path over the defaults.
// An empty path returns the defaults untouched.
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	err := v.Unmarshal(c, viper.DecodeHook(octalDecodeHook()))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return nil, fmt.Errorf("block-size must be a positive power of two, got %d", c.BlockSize)
	}
	if c.RegionSizeMiB <= 0 {
		return nil, fmt.Errorf("region-size-mib must be positive, got %d", c.RegionSizeMiB)
	}

	return c, nil
}
