// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Codec != "lz4" {
		t.Errorf("default codec = %q, want lz4", cfg.Codec)
	}
	if !cfg.OneBigUpload {
		t.Error("OneBigUpload should default to true")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castore.yaml")
	content := `
codec: zstd-fastest
slot_count: 16
slot_size: 1048576
workers: 8
max_message_size: 131072
one_big_upload: false
send_end: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Codec != "zstd-fastest" {
		t.Errorf("codec = %q, want zstd-fastest", cfg.Codec)
	}
	if cfg.SlotCount != 16 || cfg.SlotSize != 1048576 {
		t.Errorf("pool = %d x %d bytes, want 16 x 1048576", cfg.SlotCount, cfg.SlotSize)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Workers)
	}
	if cfg.MaxMessageSize != 131072 {
		t.Errorf("max_message_size = %d, want 131072", cfg.MaxMessageSize)
	}
	if cfg.OneBigUpload {
		t.Error("one_big_upload: false was not honored")
	}
	if !cfg.SendEnd {
		t.Error("send_end: true was not honored")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castore.yaml")
	if err := os.WriteFile(path, []byte("workers: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Workers)
	}
	if cfg.Codec != "lz4" {
		t.Errorf("unset codec = %q, want the default", cfg.Codec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}
