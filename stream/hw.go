// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

// Hardware is the view of the capture board the streaming sessions need.
//
// Implementations read live hardware state: two calls may return
// different values, and the frame/page counters wrap at 65536.
// *board.Board is the production implementation.
type Hardware interface {
	VideoRun(ch int) bool
	VideoCropEnable(ch int) bool
	VideoCrop(ch int) (left, right, top, bottom int)
	VideoFrameWidth(ch int) int
	VideoFrameHeight(ch int) int
	VideoFrameCount(ch int) uint32
	VideoDumpStartAddr(ch int) uint32
	VideoDumpEndAddr(ch int) uint32
	VideoDumpLimit(ch int) uint32

	AudioRun() bool
	AudioDumpStartAddr() uint32
	AudioDumpEndAddr() uint32
	AudioPageCount() uint32
}
