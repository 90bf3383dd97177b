// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package harness

import (
	"io/ioutil"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"go.fuchsia.dev/blkemu/block"
)

// BackendKind selects the kind of backing store the harness runs against.
type BackendKind string

const (
	// FileBackend stores the medium in a file or block special file.
	FileBackend BackendKind = "file"
	// MemBackend keeps the medium in memory for the duration of the run.
	MemBackend BackendKind = "mem"
)

var _ yaml.Unmarshaler = (*BackendKind)(nil)

// UnmarshalYAML implements yaml.Unmarshaler for BackendKind.
func (k *BackendKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.Wrap(err, "could not unmarshal backend")
	}
	switch kind := BackendKind(s); kind {
	case FileBackend, MemBackend:
		*k = kind
		return nil
	}
	return errors.Errorf("unknown backend %q", s)
}

// FSConfig holds the options passed to the filesystem formatter.
type FSConfig struct {
	BlockSize  int    `yaml:"block_size"`
	Journal    bool   `yaml:"journal"`
	VolumeName string `yaml:"volume_name"`
}

// Config describes one harness run.
type Config struct {
	// Image is the path of the backing store.
	Image   string      `yaml:"image"`
	Backend BackendKind `yaml:"backend"`

	// BlockSize and BlockCount are the geometry of the emulated medium.
	BlockSize  int64 `yaml:"block_size"`
	BlockCount int64 `yaml:"block_count"`

	// Partitions are the percentages of the disk given to each of the four primary partitions
	// when the medium carries no partition table yet.  All zero disables writing one.
	Partitions []int  `yaml:"partitions"`
	DiskID     uint32 `yaml:"disk_id"`

	// Partition is the index into the scan result of the partition to format.
	Partition int `yaml:"partition"`

	Filesystem FSConfig `yaml:"filesystem"`
	DeviceName string   `yaml:"device_name"`
	MountPoint string   `yaml:"mount_point"`
	File       string   `yaml:"file"`
	Mode       string   `yaml:"mode"`
	Payload    string   `yaml:"payload"`
	Verify     bool     `yaml:"verify"`
}

// DefaultConfig returns the configuration of the standard run: a 256 MiB medium with a single
// partition formatted as ext2 and a one byte file.
func DefaultConfig() *Config {
	return &Config{
		Image:      "demo_ext2.img",
		Backend:    FileBackend,
		BlockSize:  block.SectorSize,
		BlockCount: block.SectorCount,
		Partitions: []int{100, 0, 0, 0},
		Filesystem: FSConfig{BlockSize: 1024},
		DeviceName: "ext2_fs",
		MountPoint: "/",
		File:       "/h.md",
		Mode:       "w+",
		Payload:    "a",
		Verify:     true,
	}
}

// LoadConfig returns DefaultConfig overridden by the YAML file at name.  Unknown keys are errors.
func LoadConfig(name string) (*Config, error) {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", name)
	}
	return c, nil
}

// divisions returns the partition percentages as passed to mbr.Write.
func (c *Config) divisions() [4]uint8 {
	var d [4]uint8
	for i, p := range c.Partitions {
		d[i] = uint8(p)
	}
	return d
}

// writesTable reports whether the run writes a partition table on a medium without one.
func (c *Config) writesTable() bool {
	for _, p := range c.Partitions {
		if p != 0 {
			return true
		}
	}
	return false
}

// Validate checks c for values the run could never satisfy.
func (c *Config) Validate() error {
	if c.Image == "" {
		return errors.New("no image")
	}
	switch c.Backend {
	case FileBackend, MemBackend:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.BlockSize < 512 || c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Errorf("block size %d is not a power of two of at least 512", c.BlockSize)
	}
	if c.BlockCount <= 0 {
		return errors.Errorf("block count %d", c.BlockCount)
	}
	if len(c.Partitions) > 4 {
		return errors.Errorf("%d partitions; an MBR holds 4", len(c.Partitions))
	}
	sum := 0
	for _, p := range c.Partitions {
		if p < 0 || p > 100 {
			return errors.Errorf("partition size %d%%", p)
		}
		sum += p
	}
	if sum > 100 {
		return errors.Errorf("partitions take %d%% of the disk", sum)
	}
	if c.Partition < 0 || c.Partition > 3 {
		return errors.Errorf("partition index %d", c.Partition)
	}
	if c.DeviceName == "" {
		return errors.New("no device name")
	}
	if !path.IsAbs(c.MountPoint) {
		return errors.Errorf("mount point %q is not absolute", c.MountPoint)
	}
	mp := path.Clean(c.MountPoint)
	if !path.IsAbs(c.File) || path.Clean(c.File) == mp ||
		(mp != "/" && !strings.HasPrefix(path.Clean(c.File), mp+"/")) {
		return errors.Errorf("file %q is not below the mount point %q", c.File, c.MountPoint)
	}
	if c.Mode == "" {
		return errors.New("no open mode")
	}
	return nil
}
