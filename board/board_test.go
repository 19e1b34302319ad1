// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/chameleon/board/internal/regs"
)

// fakeDevMem creates a sparse file large enough to back the register
// windows of the board.
func fakeDevMem(t *testing.T) string {
	t.Helper()

	fname := filepath.Join(t.TempDir(), "dev.mem")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create devmem: %+v", err)
	}
	defer f.Close()

	_, err = f.WriteAt([]byte{1}, regs.AUDIO_DUMP_BASE+regs.AUDIO_DUMP_SPAN)
	if err != nil {
		t.Fatalf("could not resize devmem: %+v", err)
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("could not close devmem: %+v", err)
	}
	return fname
}

func writeReg(t *testing.T, fname string, base int64, word int, v uint32) {
	t.Helper()

	f, err := os.OpenFile(fname, os.O_RDWR, 0666)
	if err != nil {
		t.Fatalf("could not open devmem: %+v", err)
	}
	defer f.Close()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := f.WriteAt(buf[:], base+int64(4*word)); err != nil {
		t.Fatalf("could not write register: %+v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("could not close devmem: %+v", err)
	}
}

func TestOpenFail(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "not-there"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestBoardVideo(t *testing.T) {
	fname := fakeDevMem(t)

	// channel 0: clock locked, running, crop enabled
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_CONTROL, 0x2|0x4|0x20)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_START_ADDR, 0x00100000)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_END_ADDR, 0x00500000)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_DUMP_LIMIT, 60)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_FRAME_WIDTH, 1920)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_FRAME_HEIGHT, 1080)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_FRAME_COUNT, 7)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_CROP_LR, 1296<<16|16)
	writeReg(t, fname, regs.VIDEO_DUMP_BASE_A, regs.VIDEO_CROP_TB, 728<<16|8)

	brd, err := Open(fname)
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}
	defer brd.Close()

	if !brd.VideoClock(0) {
		t.Fatalf("channel 0 clock not locked")
	}
	if !brd.VideoRun(0) {
		t.Fatalf("channel 0 not running")
	}
	if brd.VideoRun(1) {
		t.Fatalf("channel 1 running")
	}
	if !brd.VideoCropEnable(0) {
		t.Fatalf("channel 0 crop not enabled")
	}
	if brd.VideoOverflow(0) {
		t.Fatalf("channel 0 overflowed")
	}

	if got, want := brd.VideoDumpStartAddr(0), uint32(0xC0100000); got != want {
		t.Fatalf("invalid start address: got=0x%x, want=0x%x", got, want)
	}
	if got, want := brd.VideoDumpEndAddr(0), uint32(0xC0500000); got != want {
		t.Fatalf("invalid end address: got=0x%x, want=0x%x", got, want)
	}
	if got, want := brd.VideoDumpLimit(0), uint32(60); got != want {
		t.Fatalf("invalid dump limit: got=%d, want=%d", got, want)
	}
	if got, want := brd.VideoFrameWidth(0), 1920; got != want {
		t.Fatalf("invalid frame width: got=%d, want=%d", got, want)
	}
	if got, want := brd.VideoFrameHeight(0), 1080; got != want {
		t.Fatalf("invalid frame height: got=%d, want=%d", got, want)
	}
	if got, want := brd.VideoFrameCount(0), uint32(7); got != want {
		t.Fatalf("invalid frame count: got=%d, want=%d", got, want)
	}

	left, right, top, bottom := brd.VideoCrop(0)
	if left != 16 || right != 1296 || top != 8 || bottom != 728 {
		t.Fatalf("invalid crop window: got=(%d, %d, %d, %d)", left, right, top, bottom)
	}
}

func TestBoardAudio(t *testing.T) {
	fname := fakeDevMem(t)

	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_CONTROL, 0x2)
	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_START_ADDR, 0x00600000)
	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_END_ADDR, 0x00620000)
	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_PAGE_COUNT, 42)

	brd, err := Open(fname)
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}
	defer brd.Close()

	if !brd.AudioRun() {
		t.Fatalf("audio not running")
	}
	if brd.AudioOverflow() {
		t.Fatalf("audio overflowed")
	}
	if got, want := brd.AudioDumpStartAddr(), uint32(0xC0600000); got != want {
		t.Fatalf("invalid start address: got=0x%x, want=0x%x", got, want)
	}
	if got, want := brd.AudioDumpEndAddr(), uint32(0xC0620000); got != want {
		t.Fatalf("invalid end address: got=0x%x, want=0x%x", got, want)
	}
	if got, want := brd.AudioPageCount(), uint32(42); got != want {
		t.Fatalf("invalid page count: got=%d, want=%d", got, want)
	}
}

func TestBoardLiveRead(t *testing.T) {
	fname := fakeDevMem(t)
	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_PAGE_COUNT, 1)

	brd, err := Open(fname)
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}
	defer brd.Close()

	if got, want := brd.AudioPageCount(), uint32(1); got != want {
		t.Fatalf("invalid page count: got=%d, want=%d", got, want)
	}

	// register values are re-read from the mapping on every call
	writeReg(t, fname, regs.AUDIO_DUMP_BASE, regs.AUDIO_PAGE_COUNT, 2)
	if got, want := brd.AudioPageCount(), uint32(2); got != want {
		t.Fatalf("invalid page count after update: got=%d, want=%d", got, want)
	}
}

func TestBoardClose(t *testing.T) {
	brd, err := Open(fakeDevMem(t))
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}

	if err := brd.Close(); err != nil {
		t.Fatalf("could not close board: %+v", err)
	}
	if err := brd.Close(); err != nil {
		t.Fatalf("could not close board twice: %+v", err)
	}
}

func TestBoardDevMem(t *testing.T) {
	fname := fakeDevMem(t)

	brd, err := Open(fname)
	if err != nil {
		t.Fatalf("could not open board: %+v", err)
	}
	defer brd.Close()

	if got, want := brd.DevMem(), fname; got != want {
		t.Fatalf("invalid devmem path: got=%q, want=%q", got, want)
	}
}