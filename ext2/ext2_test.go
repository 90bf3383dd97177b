// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/block/mem"
)

const (
	devBlockSize = 512
	devBlocks    = 16384 // 8 MiB
	devName      = "ext2_fs"
)

func newDisk(t *testing.T, blocks int64) *block.Disk {
	d := mem.NewDisk(mem.New(), "disk.img", block.NewIface(devBlockSize, blocks))
	require.NoError(t, d.Open())
	t.Cleanup(func() {
		if d.IsOpen() {
			require.NoError(t, d.Close())
		}
	})
	return d
}

// setUp formats a fresh device and mounts it read-write at /.
func setUp(t *testing.T, opts *FormatOptions) (*Session, *block.Disk) {
	d := newDisk(t, devBlocks)
	require.NoError(t, Format(d, opts))
	s := NewSession()
	require.NoError(t, s.Register(d, devName))
	require.NoError(t, s.Mount(devName, "/", false))
	return s, d
}

// remount unmounts / and mounts it again.
func remount(t *testing.T, s *Session, readOnly bool) {
	require.NoError(t, s.Umount("/"))
	require.NoError(t, s.Mount(devName, "/", readOnly))
}

func writeFile(t *testing.T, s *Session, name, mode string, data []byte) {
	f, err := s.OpenFile(name, mode)
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, s *Session, name string) []byte {
	f, err := s.OpenFile(name, "r")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return data
}

func TestSparseGroups(t *testing.T) {
	for g := uint32(0); g < 100; g++ {
		want := false
		switch g {
		case 0, 1, 3, 5, 7, 9, 25, 27, 49, 81:
			want = true
		}
		if got := isSparseGroup(g); got != want {
			t.Errorf("isSparseGroup(%d) = %t, want %t", g, got, want)
		}
	}
}

func TestLayout(t *testing.T) {
	l, err := newLayout(32<<20, 1024, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), l.firstDataBlock)
	require.Equal(t, uint32(8192), l.blocksPerGroup)
	require.Equal(t, uint32(4), l.groupCount)
	require.Equal(t, uint32(1), l.gdtBlocks)

	for g := uint32(0); g < l.groupCount; g++ {
		gl := l.group(g)
		require.Equal(t, l.firstDataBlock+g*l.blocksPerGroup, gl.start)
		require.Equal(t, g != 2, gl.hasSuper, "group %d", g)
		require.Less(t, gl.overhead, gl.blocks)
		require.Equal(t, gl.inodeTable+l.itableBlocks, gl.start+gl.overhead)
	}
	require.Equal(t, uint32(8191), l.group(3).blocks)

	l, err = newLayout(8<<20, 4096, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), l.firstDataBlock)
	require.Equal(t, uint32(1), l.groupCount)

	_, err = newLayout(8<<20, 512, 0)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = newLayout(4096, 1024, 0)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestFormat(t *testing.T) {
	s, _ := setUp(t, &FormatOptions{VolumeName: "scratch"})

	info, err := s.StatFS("/")
	require.NoError(t, err)
	require.Equal(t, int64(1024), info.BlockSize)
	require.Equal(t, uint32(8192), info.Blocks)
	require.Equal(t, "scratch", info.VolumeName)
	require.Equal(t, info.Inodes-firstIno, info.FreeInodes)
	require.Equal(t, uint16(1), info.MountCount)
	require.False(t, info.Clean)
	require.NotEqual(t, [16]byte{}, [16]byte(info.UUID))

	ents, err := s.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "lost+found", ents[0].Name())
	require.True(t, ents[0].IsDir())
	require.Equal(t, uint32(firstIno), ents[0].Sys().(InodeInfo).Ino)

	root, err := s.Stat("/")
	require.NoError(t, err)
	require.True(t, root.IsDir())
	require.Equal(t, uint16(3), root.Sys().(InodeInfo).Links)
}

func TestFormatErrors(t *testing.T) {
	d := newDisk(t, devBlocks)
	require.ErrorIs(t, Format(d, &FormatOptions{Journal: true}), ErrJournalUnsupported)
	require.ErrorIs(t, Format(d, &FormatOptions{BlockSize: 3000}), ErrUnsupported)
	require.ErrorIs(t, Format(d, &FormatOptions{VolumeName: strings.Repeat("v", 17)}), ErrNameTooLong)

	closed := mem.NewDisk(mem.New(), "closed.img", block.NewIface(devBlockSize, devBlocks))
	require.Error(t, Format(closed, nil))
}

func TestBlockSizes(t *testing.T) {
	for _, bs := range []int{1024, 2048, 4096} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			s, _ := setUp(t, &FormatOptions{BlockSize: bs})
			require.NoError(t, s.Mkdir("/dir"))
			writeFile(t, s, "/dir/file", "w", []byte("contents"))
			remount(t, s, true)

			info, err := s.StatFS("/")
			require.NoError(t, err)
			require.Equal(t, int64(bs), info.BlockSize)
			require.True(t, info.Clean)
			require.Equal(t, []byte("contents"), readFile(t, s, "/dir/file"))
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	s, d := setUp(t, nil)
	writeFile(t, s, "/h.md", "w+", []byte("a"))
	require.NoError(t, s.Umount("/"))

	// Reattach the device from scratch.
	require.NoError(t, d.Close())
	require.NoError(t, d.Open())
	require.NoError(t, s.Mount(devName, "/", true))

	fi, err := s.Stat("/h.md")
	require.NoError(t, err)
	require.Equal(t, int64(1), fi.Size())
	require.False(t, fi.IsDir())
	require.Equal(t, []byte("a"), readFile(t, s, "/h.md"))
}

func TestIndirectBlocks(t *testing.T) {
	s, _ := setUp(t, nil)
	before, err := s.StatFS("/")
	require.NoError(t, err)

	// Past the direct and single indirect ranges of 1 KiB blocks.
	const nblk = 300
	data := make([]byte, nblk*1024+100)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(data)
	writeFile(t, s, "/big", "w", data)

	fi, err := s.Stat("/big")
	require.NoError(t, err)
	// Data blocks plus single indirect, double indirect and one second level block.
	require.Equal(t, uint32((nblk+1+3)*2), fi.Sys().(InodeInfo).Blocks)

	remount(t, s, false)
	require.True(t, bytes.Equal(data, readFile(t, s, "/big")))

	// Truncating returns every block.
	f, err := s.OpenFile("/big", "w")
	require.NoError(t, err)
	require.Equal(t, int64(0), f.Size())
	require.NoError(t, f.Close())
	after, err := s.StatFS("/")
	require.NoError(t, err)
	require.Equal(t, before.FreeBlocks, after.FreeBlocks)
	require.Equal(t, before.FreeInodes-1, after.FreeInodes)
}

func TestHoles(t *testing.T) {
	s, _ := setUp(t, nil)
	f, err := s.OpenFile("/sparse", "w+")
	require.NoError(t, err)
	_, err = f.Seek(5000, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	want := make([]byte, 5001)
	want[5000] = 'x'
	require.Equal(t, want, got)
	require.NoError(t, f.Close())

	fi, err := s.Stat("/sparse")
	require.NoError(t, err)
	require.Equal(t, uint32(2), fi.Sys().(InodeInfo).Blocks)
}

func TestModes(t *testing.T) {
	s, _ := setUp(t, nil)
	writeFile(t, s, "/f", "w", []byte("hello"))

	// Append modes ignore the offset.
	f, err := s.OpenFile("/f", "ab")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte(" world"))
	require.NoError(t, err)
	_, err = f.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrInvalidMode)
	require.NoError(t, f.Close())
	require.Equal(t, []byte("hello world"), readFile(t, s, "/f"))

	// r+ overwrites in place.
	f, err = s.OpenFile("/f", "r+")
	require.NoError(t, err)
	_, err = f.Write([]byte("HELLO"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, []byte("HELLO world"), readFile(t, s, "/f"))

	// a+ reads from the start and appends.
	f, err = s.OpenFile("/f", "a+")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO"), buf)
	_, err = f.Write([]byte("!"))
	require.NoError(t, err)
	require.Equal(t, int64(12), f.Size())
	require.NoError(t, f.Close())

	f, err = s.OpenFile("/f", "r")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, f.Close())
	require.ErrorIs(t, f.Close(), ErrClosed)
	_, err = f.Read(buf)
	require.ErrorIs(t, err, ErrClosed)

	for _, tc := range []struct {
		name, mode string
		want       error
	}{
		{"/missing", "r", ErrNotExist},
		{"/missing", "r+", ErrNotExist},
		{"/f", "x", ErrInvalidMode},
		{"/f", "rw", ErrInvalidMode},
		{"/lost+found", "r", ErrIsDir},
		{"/f/g", "w", ErrNotDir},
		{"/" + strings.Repeat("n", nameMax+1), "w", ErrNameTooLong},
		{"relative", "r", ErrNotExist},
	} {
		_, err := s.OpenFile(tc.name, tc.mode)
		require.ErrorIs(t, err, tc.want, "OpenFile(%.20q, %q)", tc.name, tc.mode)
	}
}

func TestReadOnlyMount(t *testing.T) {
	s, _ := setUp(t, nil)
	writeFile(t, s, "/f", "w", []byte("data"))
	remount(t, s, true)

	for _, mode := range []string{"r+", "w", "w+", "a", "a+"} {
		_, err := s.OpenFile("/f", mode)
		require.ErrorIs(t, err, ErrReadOnly, "mode %q", mode)
	}
	require.ErrorIs(t, s.Mkdir("/d"), ErrReadOnly)
	require.NoError(t, s.Sync())
	require.Equal(t, []byte("data"), readFile(t, s, "/f"))
}

func TestDirectories(t *testing.T) {
	s, _ := setUp(t, nil)
	require.NoError(t, s.Mkdir("/a"))
	require.NoError(t, s.Mkdir("/a/b"))
	writeFile(t, s, "/a/b/c", "w", []byte("c"))

	require.ErrorIs(t, s.Mkdir("/a"), ErrExist)
	require.ErrorIs(t, s.Mkdir("/"), ErrExist)
	require.ErrorIs(t, s.Mkdir("/x/y"), ErrNotExist)
	require.ErrorIs(t, s.Mkdir("/a/b/c/d"), ErrNotDir)

	a, err := s.Stat("/a")
	require.NoError(t, err)
	require.Equal(t, uint16(3), a.Sys().(InodeInfo).Links)

	// Enough entries to grow the root directory past one block.
	const n = 100
	for i := 0; i < n; i++ {
		writeFile(t, s, fmt.Sprintf("/file-%03d", i), "w", nil)
	}
	remount(t, s, true)

	ents, err := s.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, ents, n+2)
	require.Equal(t, "a", ents[0].Name())
	require.Equal(t, "file-000", ents[1].Name())
	require.Equal(t, "lost+found", ents[n+1].Name())

	root, err := s.Stat("/")
	require.NoError(t, err)
	require.Greater(t, root.Size(), int64(1024))
	require.Equal(t, []byte("c"), readFile(t, s, "/a/b/c"))

	_, err = s.ReadDir("/a/b/c")
	require.ErrorIs(t, err, ErrNotDir)
}

func TestSessionErrors(t *testing.T) {
	s, d := setUp(t, nil)

	require.ErrorIs(t, s.Register(d, devName), ErrExist)
	require.ErrorIs(t, s.Mount("nope", "/mnt", false), ErrNotExist)
	require.ErrorIs(t, s.Mount(devName, "/", false), ErrBusy)
	require.ErrorIs(t, s.Mount(devName, "/other", false), ErrBusy)
	require.ErrorIs(t, s.Unregister(devName), ErrBusy)
	require.ErrorIs(t, s.Umount("/mnt"), ErrNotMounted)

	blank := newDisk(t, devBlocks)
	require.NoError(t, s.Register(blank, "blank"))
	require.ErrorIs(t, s.Mount("blank", "/blank", false), ErrBadMagic)

	f, err := s.OpenFile("/h.md", "w+")
	require.NoError(t, err)
	require.ErrorIs(t, s.Umount("/"), ErrBusy)
	require.NoError(t, f.Close())
	require.NoError(t, s.Umount("/"))
	require.ErrorIs(t, s.Umount("/"), ErrNotMounted)

	_, err = s.OpenFile("/h.md", "r")
	require.ErrorIs(t, err, ErrNotMounted)
	require.NoError(t, s.Unregister(devName))
	require.ErrorIs(t, s.Unregister(devName), ErrNotExist)
}

func TestNestedMounts(t *testing.T) {
	s, _ := setUp(t, nil)
	require.NoError(t, s.Mkdir("/mnt"))

	other := newDisk(t, devBlocks)
	require.NoError(t, Format(other, &FormatOptions{VolumeName: "other"}))
	require.NoError(t, s.Register(other, "other"))
	require.NoError(t, s.Mount("other", "/mnt/", false))

	writeFile(t, s, "/mnt/inner", "w", []byte("inner"))
	writeFile(t, s, "/outer", "w", []byte("outer"))

	ents, err := s.ReadDir("/mnt")
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, "inner", ents[0].Name())

	_, err = s.Stat("/inner")
	require.ErrorIs(t, err, ErrNotExist)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Umount("/mnt"))
	require.NoError(t, s.Umount("/"))
}

func TestJournalMount(t *testing.T) {
	s, d := setUp(t, nil)
	require.NoError(t, s.Umount("/"))

	// Set has_journal in the primary superblock.
	buf := make([]byte, 2048)
	_, err := (block.ByteView{Dev: d}).ReadAt(buf, 0)
	require.NoError(t, err)
	buf[superblockOffset+0x5C] |= compatHasJournal
	_, err = (block.ByteView{Dev: d}).WriteAt(buf, 0)
	require.NoError(t, err)

	require.ErrorIs(t, s.Mount(devName, "/", false), ErrJournalUnsupported)
	require.NoError(t, s.Mount(devName, "/", true))
}

func TestNoSpace(t *testing.T) {
	d := newDisk(t, 2048) // 1 MiB
	require.NoError(t, Format(d, nil))
	s := NewSession()
	require.NoError(t, s.Register(d, devName))
	require.NoError(t, s.Mount(devName, "/", false))

	f, err := s.OpenFile("/fill", "w")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 2<<20))
	require.ErrorIs(t, err, ErrNoSpace)
	require.NoError(t, f.Close())

	info, err := s.StatFS("/")
	require.NoError(t, err)
	require.Zero(t, info.FreeBlocks)
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want syscall.Errno
	}{
		{ErrNotExist, syscall.ENOENT},
		{ErrReadOnly, syscall.EROFS},
		{ErrBusy, syscall.EBUSY},
		{ErrJournalUnsupported, syscall.ENOTSUP},
	} {
		got, ok := Errno(fmt.Errorf("wrapped: %w", tc.err))
		require.True(t, ok)
		require.Equal(t, tc.want, got)
	}
	_, ok := Errno(io.EOF)
	require.False(t, ok)
}
