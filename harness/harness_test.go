// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package harness

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/ext2"
	"go.fuchsia.dev/blkemu/mbr"
)

// testBlocks is an 8 MiB medium.
const testBlocks = 16384

var fullRun = []string{
	"open", "mbr_write", "mbr_scan", "close", "open_partition", "mkfs", "register", "mount",
	"fopen", "fwrite", "fclose", "umount", "close_partition", "verify",
}

func memConfig() *Config {
	c := DefaultConfig()
	c.Backend = MemBackend
	c.BlockCount = testBlocks
	return c
}

func newHarness(t *testing.T, c *Config) *Harness {
	h, err := New(c)
	require.NoError(t, err)
	return h
}

func requireStepError(t *testing.T, err error, step string, want error) *StepError {
	var se *StepError
	require.True(t, errors.As(err, &se), "%v is not a StepError", err)
	require.Equal(t, step, se.Step)
	require.ErrorIs(t, err, want)
	return se
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	require.Equal(t, int64(512), c.BlockSize)
	require.Equal(t, int64(0x80000), c.BlockCount)
	require.Equal(t, [4]uint8{100, 0, 0, 0}, c.divisions())
	require.True(t, c.writesTable())
	require.Equal(t, "/h.md", c.File)
	require.Equal(t, "w+", c.Mode)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "run.yaml")
	data := `
image: other.img
backend: mem
block_count: 32768
partitions: [50, 50]
partition: 1
filesystem:
  block_size: 2048
  volume_name: second
payload: hello
`
	require.NoError(t, ioutil.WriteFile(name, []byte(data), 0644))

	got, err := LoadConfig(name)
	require.NoError(t, err)
	want := DefaultConfig()
	want.Image = "other.img"
	want.Backend = MemBackend
	want.BlockCount = 32768
	want.Partitions = []int{50, 50}
	want.Partition = 1
	want.Filesystem = FSConfig{BlockSize: 2048, VolumeName: "second"}
	want.Payload = "hello"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, got.Validate())

	for _, bad := range []string{
		"imag: typo.img\n",
		"backend: tape\n",
		"block_size: many\n",
	} {
		require.NoError(t, ioutil.WriteFile(name, []byte(bad), 0644))
		_, err := LoadConfig(name)
		require.Error(t, err, "%q", bad)
	}

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
	}{
		{"no image", func(c *Config) { c.Image = "" }},
		{"backend", func(c *Config) { c.Backend = "tape" }},
		{"block size", func(c *Config) { c.BlockSize = 1000 }},
		{"small block size", func(c *Config) { c.BlockSize = 256 }},
		{"block count", func(c *Config) { c.BlockCount = 0 }},
		{"too many partitions", func(c *Config) { c.Partitions = []int{20, 20, 20, 20, 20} }},
		{"oversubscribed", func(c *Config) { c.Partitions = []int{60, 50} }},
		{"negative partition", func(c *Config) { c.Partitions = []int{-1} }},
		{"partition index", func(c *Config) { c.Partition = 4 }},
		{"device name", func(c *Config) { c.DeviceName = "" }},
		{"relative mount point", func(c *Config) { c.MountPoint = "mnt" }},
		{"file outside mount", func(c *Config) { c.MountPoint = "/mnt"; c.File = "/h.md" }},
		{"file is mount point", func(c *Config) { c.File = "/" }},
		{"mode", func(c *Config) { c.Mode = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(c)
			require.Error(t, c.Validate())
			_, err := New(c)
			require.Error(t, err)
		})
	}
}

func TestRunMem(t *testing.T) {
	h := newHarness(t, memConfig())
	rep, err := h.Run()
	require.NoError(t, err)
	if diff := cmp.Diff(fullRun, rep.Steps); diff != "" {
		t.Errorf("Steps mismatch (-want +got):\n%s", diff)
	}
	require.True(t, rep.Verified)

	want := []mbr.Partition{{
		Index:  0,
		Type:   mbr.Linux,
		Offset: mbr.Alignment * block.SectorSize,
		Size:   (testBlocks - mbr.Alignment) * block.SectorSize,
	}}
	if diff := cmp.Diff(want, rep.Partitions); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, int64(1024), rep.Filesystem.BlockSize)
	require.Contains(t, rep.String(), "partition 0: Linux")
	require.Contains(t, rep.String(), "verified")

	data, err := h.ReadFile(rep.Partitions[0], "/h.md")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), data)

	// A second run finds the partition table written by the first.
	rep, err = h.Run()
	require.NoError(t, err)
	require.Equal(t, []string{"open", "mbr_scan", "close"}, rep.Steps[:3])
}

func TestRunFile(t *testing.T) {
	c := DefaultConfig()
	c.Image = filepath.Join(t.TempDir(), "demo_ext2.img")
	c.BlockCount = testBlocks
	c.Filesystem.VolumeName = "demo"
	h := newHarness(t, c)

	rep, err := h.Run()
	require.NoError(t, err)
	if diff := cmp.Diff(fullRun, rep.Steps); diff != "" {
		t.Errorf("Steps mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "demo", rep.Filesystem.VolumeName)

	fi, err := os.Stat(c.Image)
	require.NoError(t, err)
	require.Equal(t, int64(testBlocks*512), fi.Size())
}

func TestRunAppend(t *testing.T) {
	c := memConfig()
	c.Mode = "a"
	c.Payload = "line\n"
	h := newHarness(t, c)

	_, err := h.Run()
	require.NoError(t, err)
}

func TestRunFailures(t *testing.T) {
	t.Run("journal", func(t *testing.T) {
		c := memConfig()
		c.Filesystem.Journal = true
		rep, err := newHarness(t, c).Run()
		se := requireStepError(t, err, "mkfs", ext2.ErrJournalUnsupported)
		require.Equal(t, syscall.ENOTSUP, se.Errno())
		require.Equal(t, "open_partition", rep.Steps[len(rep.Steps)-1])
	})

	t.Run("undersized image", func(t *testing.T) {
		c := DefaultConfig()
		c.Image = filepath.Join(t.TempDir(), "short.img")
		require.NoError(t, ioutil.WriteFile(c.Image, make([]byte, 1000), 0644))
		rep, err := newHarness(t, c).Run()
		se := requireStepError(t, err, "open", block.ErrNoData)
		require.Equal(t, syscall.ENODATA, se.Errno())
		require.Empty(t, rep.Steps)

		fi, err := os.Stat(c.Image)
		require.NoError(t, err)
		require.Equal(t, int64(1000), fi.Size())
	})

	t.Run("no partition table", func(t *testing.T) {
		c := memConfig()
		c.Partitions = nil
		rep, err := newHarness(t, c).Run()
		requireStepError(t, err, "mbr_scan", mbr.ErrNoMBR)
		require.Equal(t, []string{"open"}, rep.Steps)
	})

	t.Run("missing partition", func(t *testing.T) {
		c := memConfig()
		c.Partition = 1
		_, err := newHarness(t, c).Run()
		requireStepError(t, err, "mbr_scan", ErrNoPartition)
	})

	t.Run("missing file", func(t *testing.T) {
		c := memConfig()
		c.Mode = "r"
		h := newHarness(t, c)
		_, err := h.Run()
		se := requireStepError(t, err, "fopen", ext2.ErrNotExist)
		require.Equal(t, syscall.ENOENT, se.Errno())
		require.True(t, strings.HasPrefix(se.Error(), "fopen: "))

		// Cleanup unmounted and closed the partition, so the next run can use it.
		c.Mode = "w"
		_, err = h.Run()
		require.NoError(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		c := memConfig()
		c.MountPoint = "/mnt"
		c.File = "/mnt/lost+found"
		_, err := newHarness(t, c).Run()
		requireStepError(t, err, "fopen", ext2.ErrIsDir)
	})
}
