// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs describes the register windows of the chameleon dump
// controllers.
package regs // import "github.com/emersion/chameleon/board/internal/regs"

// Register window bases and spans, as seen from the CPU.
const (
	VIDEO_DUMP_BASE_A = 0xFF210000
	VIDEO_DUMP_BASE_B = 0xFF211000
	AUDIO_DUMP_BASE   = 0xFF212000

	VIDEO_DUMP_SPAN = 0x400
	AUDIO_DUMP_SPAN = 0x18

	// Offset between the addresses stored in the start/end registers and
	// the CPU address space.
	ARM_MEMORY_OFFSET = 0xC0000000
)

// Video dump controller registers, indexed in 32-bit words.
const (
	VIDEO_CONTROL      = 0x0
	VIDEO_OVERFLOW     = 0x1
	VIDEO_START_ADDR   = 0x2
	VIDEO_END_ADDR     = 0x3
	VIDEO_DUMP_LOOP    = 0x4
	VIDEO_DUMP_LIMIT   = 0x5
	VIDEO_FRAME_WIDTH  = 0x6
	VIDEO_FRAME_HEIGHT = 0x7
	VIDEO_FRAME_COUNT  = 0x8
	VIDEO_CROP_LR      = 0x9
	VIDEO_CROP_TB      = 0xA
	VIDEO_HASH_BUFFER  = 0x100
)

// Audio dump controller registers, indexed in 32-bit words.
const (
	AUDIO_CONTROL    = 0x0
	AUDIO_OVERFLOW   = 0x1
	AUDIO_START_ADDR = 0x2
	AUDIO_END_ADDR   = 0x3
	AUDIO_DUMP_LOOP  = 0x4
	AUDIO_PAGE_COUNT = 0x5
)

// Video control register bits.
const (
	O_VIDEO_CLOCK     = 0x2
	O_VIDEO_RUN       = 0xC
	O_VIDEO_HASH_MODE = 0x10
	O_VIDEO_CROP      = 0x20

	SHIFT_VIDEO_CLOCK     = 1
	SHIFT_VIDEO_RUN       = 2
	SHIFT_VIDEO_HASH_MODE = 4
	SHIFT_VIDEO_CROP      = 5
)

// Audio control register bits.
const (
	O_AUDIO_RUN = 0x2
)

// Overflow registers carry a single status bit.
const (
	O_OVERFLOW = 0x1
)
