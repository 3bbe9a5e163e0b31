// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the castore configuration file. Configuration
// comes from a single YAML file with no fallbacks or automatic
// discovery; every field has a working default, so an empty or
// missing file yields a usable engine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the deployment parameters of the transfer engine.
type Config struct {
	// Codec names the block codec ("lz4", "zstd", "zstd-fastest",
	// ...). Unrecognized names fall back to the default codec.
	Codec string `yaml:"codec"`

	// SlotCount is the buffer pool size. Bounds the peak scratch
	// memory of all concurrent operations.
	SlotCount int `yaml:"slot_count"`

	// SlotSize is the capacity of each pooled buffer slot in bytes.
	SlotSize int `yaml:"slot_size"`

	// Workers is the worker pool size. Zero means one worker per
	// CPU.
	Workers int `yaml:"workers"`

	// MaxMessageSize bounds one wire message. Both peers must
	// agree.
	MaxMessageSize int `yaml:"max_message_size"`

	// OneBigUpload serializes the streaming body of multi-segment
	// uploads.
	OneBigUpload bool `yaml:"one_big_upload"`

	// AsyncUnmap unmaps memory-mapped destinations on a pool worker
	// instead of blocking the transfer's final write.
	AsyncUnmap bool `yaml:"async_unmap"`

	// SendEnd makes the server request explicit StoreEnd/FetchEnd
	// closure on every session (server role only).
	SendEnd bool `yaml:"send_end"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Codec:        "lz4",
		OneBigUpload: true,
	}
}

// Load reads a YAML configuration file. Unset fields keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
