// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board provides read access to the registers of the chameleon
// capture board.
//
// The board carries two video dump controllers (channels 0 and 1) and one
// audio dump controller. Each controller writes captured data into a ring
// of physical memory and publishes its state through a small window of
// 32-bit registers. All registers are read-only from the CPU.
package board // import "github.com/emersion/chameleon/board"

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/emersion/chameleon/board/internal/regs"
	"github.com/emersion/chameleon/internal/mmap"
)

// NumVideoChannels is the number of video dump controllers on the board.
const NumVideoChannels = 2

// Board gives access to the dump controller registers of a chameleon
// capture board.
//
// A Board is initialized once at process start and shared by all sessions.
// Registers are re-read from the hardware on every accessor call; values
// are never cached.
type Board struct {
	mem struct {
		fd    *os.File
		video [NumVideoChannels]*mmap.Handle
		audio *mmap.Handle
	}
}

// Open memory-maps the dump controller registers from the given memory
// device (usually /dev/mem).
func Open(devmem string) (*Board, error) {
	fd, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("board: could not open %q: %w", devmem, err)
	}

	brd := &Board{}
	brd.mem.fd = fd

	bases := [NumVideoChannels]int64{
		regs.VIDEO_DUMP_BASE_A,
		regs.VIDEO_DUMP_BASE_B,
	}
	for ch, base := range bases {
		brd.mem.video[ch], err = mmap.Map(fd, base, regs.VIDEO_DUMP_SPAN)
		if err != nil {
			_ = brd.Close()
			return nil, fmt.Errorf("board: could not map video dump controller %d: %w", ch, err)
		}
	}

	brd.mem.audio, err = mmap.Map(fd, regs.AUDIO_DUMP_BASE, regs.AUDIO_DUMP_SPAN)
	if err != nil {
		_ = brd.Close()
		return nil, fmt.Errorf("board: could not map audio dump controller: %w", err)
	}

	return brd, nil
}

// Close unmaps the register windows and closes the memory device.
func (brd *Board) Close() error {
	var err error
	for ch, h := range brd.mem.video {
		if h == nil {
			continue
		}
		if e := h.Close(); e != nil && err == nil {
			err = fmt.Errorf("board: could not unmap video dump controller %d: %w", ch, e)
		}
		brd.mem.video[ch] = nil
	}
	if h := brd.mem.audio; h != nil {
		if e := h.Close(); e != nil && err == nil {
			err = fmt.Errorf("board: could not unmap audio dump controller: %w", e)
		}
		brd.mem.audio = nil
	}
	if fd := brd.mem.fd; fd != nil {
		if e := fd.Close(); e != nil && err == nil {
			err = fmt.Errorf("board: could not close memory device: %w", e)
		}
		brd.mem.fd = nil
	}
	return err
}

// DevMem returns the path of the memory device backing the register
// windows. Sessions open their own descriptor on it to map dump rings.
func (brd *Board) DevMem() string {
	return brd.mem.fd.Name()
}

func readU32(h *mmap.Handle, word int) uint32 {
	var buf [4]byte
	if _, err := h.ReadAt(buf[:], int64(4*word)); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (brd *Board) videoU32(ch, word int) uint32 {
	return readU32(brd.mem.video[ch], word)
}

func (brd *Board) audioU32(word int) uint32 {
	return readU32(brd.mem.audio, word)
}

// VideoClock reports whether the pixel clock of the given video dump
// controller is locked.
func (brd *Board) VideoClock(ch int) bool {
	ctrl := brd.videoU32(ch, regs.VIDEO_CONTROL)
	return ctrl&regs.O_VIDEO_CLOCK != 0
}

// VideoRun reports whether the given video dump controller is capturing.
func (brd *Board) VideoRun(ch int) bool {
	ctrl := brd.videoU32(ch, regs.VIDEO_CONTROL)
	return ctrl&regs.O_VIDEO_RUN != 0
}

// VideoHashMode returns the hash mode of the given video dump controller.
func (brd *Board) VideoHashMode(ch int) uint32 {
	ctrl := brd.videoU32(ch, regs.VIDEO_CONTROL)
	return (ctrl & regs.O_VIDEO_HASH_MODE) >> regs.SHIFT_VIDEO_HASH_MODE
}

// VideoCropEnable reports whether cropping is enabled on the given video
// dump controller.
func (brd *Board) VideoCropEnable(ch int) bool {
	ctrl := brd.videoU32(ch, regs.VIDEO_CONTROL)
	return ctrl&regs.O_VIDEO_CROP != 0
}

// VideoOverflow reports whether the given video dump controller has
// overflowed its dump ring.
func (brd *Board) VideoOverflow(ch int) bool {
	return brd.videoU32(ch, regs.VIDEO_OVERFLOW)&regs.O_OVERFLOW != 0
}

// VideoDumpStartAddr returns the CPU address of the first byte of the
// video dump ring.
func (brd *Board) VideoDumpStartAddr(ch int) uint32 {
	return brd.videoU32(ch, regs.VIDEO_START_ADDR) + regs.ARM_MEMORY_OFFSET
}

// VideoDumpEndAddr returns the CPU address of the end of the video dump
// ring.
func (brd *Board) VideoDumpEndAddr(ch int) uint32 {
	return brd.videoU32(ch, regs.VIDEO_END_ADDR) + regs.ARM_MEMORY_OFFSET
}

// VideoDumpLoop returns the number of times the video dump ring wrapped.
func (brd *Board) VideoDumpLoop(ch int) uint32 {
	return brd.videoU32(ch, regs.VIDEO_DUMP_LOOP)
}

// VideoDumpLimit returns the capacity of the video dump ring, in frames.
func (brd *Board) VideoDumpLimit(ch int) uint32 {
	return brd.videoU32(ch, regs.VIDEO_DUMP_LIMIT)
}

// VideoFrameWidth returns the captured frame width, in pixels.
func (brd *Board) VideoFrameWidth(ch int) int {
	return int(brd.videoU32(ch, regs.VIDEO_FRAME_WIDTH))
}

// VideoFrameHeight returns the captured frame height, in pixels.
func (brd *Board) VideoFrameHeight(ch int) int {
	return int(brd.videoU32(ch, regs.VIDEO_FRAME_HEIGHT))
}

// VideoFrameCount returns the hardware frame counter of the given video
// dump controller. The counter wraps at 65536.
func (brd *Board) VideoFrameCount(ch int) uint32 {
	return brd.videoU32(ch, regs.VIDEO_FRAME_COUNT)
}

// VideoCrop returns the crop window of the given video dump controller.
func (brd *Board) VideoCrop(ch int) (left, right, top, bottom int) {
	lr := brd.videoU32(ch, regs.VIDEO_CROP_LR)
	tb := brd.videoU32(ch, regs.VIDEO_CROP_TB)
	left = int(lr & 0xFFFF)
	right = int(lr >> 16)
	top = int(tb & 0xFFFF)
	bottom = int(tb >> 16)
	return left, right, top, bottom
}

// AudioRun reports whether the audio dump controller is capturing.
func (brd *Board) AudioRun() bool {
	return brd.audioU32(regs.AUDIO_CONTROL)&regs.O_AUDIO_RUN != 0
}

// AudioOverflow reports whether the audio dump controller has overflowed
// its dump ring.
func (brd *Board) AudioOverflow() bool {
	return brd.audioU32(regs.AUDIO_OVERFLOW)&regs.O_OVERFLOW != 0
}

// AudioDumpStartAddr returns the CPU address of the first byte of the
// audio dump ring.
func (brd *Board) AudioDumpStartAddr() uint32 {
	return brd.audioU32(regs.AUDIO_START_ADDR) + regs.ARM_MEMORY_OFFSET
}

// AudioDumpEndAddr returns the CPU address of the end of the audio dump
// ring.
func (brd *Board) AudioDumpEndAddr() uint32 {
	return brd.audioU32(regs.AUDIO_END_ADDR) + regs.ARM_MEMORY_OFFSET
}

// AudioDumpLoop returns the number of times the audio dump ring wrapped.
func (brd *Board) AudioDumpLoop() uint32 {
	return brd.audioU32(regs.AUDIO_DUMP_LOOP)
}

// AudioPageCount returns the hardware page counter of the audio dump
// controller. The counter wraps at 65536.
func (brd *Board) AudioPageCount() uint32 {
	return brd.audioU32(regs.AUDIO_PAGE_COUNT)
}
