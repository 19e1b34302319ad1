// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/emersion/chameleon/internal/mmap"
)

// pollTimeout bounds the cooperative request check of a realtime loop.
// It is far below the period of any unit the board can produce, so the
// check runs several times between units.
const pollTimeout = time.Millisecond

// initVideoHead encodes the packet head and video data head of the video
// data packets of the current dump into head. The frame number and the
// channel are patched per emission.
func (s *session) initVideoHead(head []byte) {
	width := s.screenWidth / (s.shrinkWidth + 1)
	height := s.screenHeight / (s.shrinkHeight + 1)
	size := width * height * bytesPerPixel

	PutHead(head[:HeadSize], Head{
		Main:   Data,
		Msg:    s.msgType,
		Err:    ErrCodeOK,
		Length: uint32(VideoDataSize + size),
	})
	PutVideoData(head[HeadSize:], VideoData{
		Width:  uint16(width),
		Height: uint16(height),
	})

	s.msg.Info().
		Int("screen-width", s.screenWidth).Int("screen-height", s.screenHeight).
		Int("dump-width", width).Int("dump-height", height).
		Int("dump-length", size).
		Msg("start dump")
}

// initAudioHead encodes the packet head and audio data head of the audio
// data packets of the current dump into head. The page count is patched
// per emission.
func (s *session) initAudioHead(head []byte) {
	PutHead(head[:HeadSize], Head{
		Main:   Data,
		Msg:    s.msgType,
		Err:    ErrCodeOK,
		Length: uint32(AudioDataSize + AudioPageSize),
	})
	PutAudioData(head[HeadSize:], AudioData{})
}

// dumpVideoFrames sends the requested number of frames from every
// configured channel.
func (s *session) dumpVideoFrames(frames int) error {
	var head [HeadSize + VideoDataSize]byte
	s.initVideoHead(head[:])

	s.msg.Debug().Int("frames", frames).Msg("dump number of frames")

	for i := 0; i < frames; i++ {
		binary.BigEndian.PutUint32(head[HeadSize:], uint32(i))
		if err := s.dumpAllChannels(head[:], i*s.unitAlignedSize); err != nil {
			return err
		}
	}
	return nil
}

// dumpAllChannels sends one frame at the given ring offset from every
// configured channel: the data head first, then the frame body.
func (s *session) dumpAllChannels(head []byte, offset int) error {
	for ch, src := range s.sources {
		if src == nil {
			continue
		}
		head[HeadSize+8] = byte(ch)
		if err := s.send(head); err != nil {
			return err
		}
		if err := s.dumpFrameBody(src, offset); err != nil {
			return err
		}
	}
	return nil
}

// dumpFrameBody stages one frame from the mapped ring into the dump
// buffer, shrinking it if configured, and sends it.
func (s *session) dumpFrameBody(src *mmap.Handle, offset int) error {
	var size int
	if s.isShrink {
		size = s.shrinkFrame(src, offset)
	} else {
		size = s.screenWidth * s.screenHeight * bytesPerPixel
		if _, err := src.ReadAt(s.dumpBuf[:size], int64(offset)); err != nil {
			return fmt.Errorf("stream: could not read frame at offset %d: %w", offset, err)
		}
	}
	return s.send(s.dumpBuf[:size])
}

// shrinkFrame decimates the frame at the given ring offset into the dump
// buffer, keeping one pixel in every (shrinkWidth+1) columns and one row
// in every (shrinkHeight+1). It returns the staged size.
func (s *session) shrinkFrame(src *mmap.Handle, offset int) int {
	var (
		width  = s.screenWidth
		height = s.screenHeight
		stepX  = s.shrinkWidth + 1
		stepY  = s.shrinkHeight + 1
		outW   = width / stepX
		outH   = height / stepY
		out    = s.dumpBuf
	)

	frame := src.Bytes()[offset:]
	if s.shrinkWidth < 4 && s.shrinkHeight < 4 {
		// The shared memory is uncached and slow to access pixel by
		// pixel. When most pixels are kept, one bulk copy into the dump
		// buffer and decimation from there is much faster.
		size := width * height * bytesPerPixel
		copy(out, frame[:size])
		frame = out
	}

	size := 0
	for y := 0; y < outH; y++ {
		row := frame[y*stepY*width*bytesPerPixel:]
		for x := 0; x < outW; x++ {
			pixel := row[x*stepX*bytesPerPixel:]
			out[size] = pixel[0]
			out[size+1] = pixel[1]
			out[size+2] = pixel[2]
			size += 3
		}
	}
	return size
}

// countDiff returns how many units the hardware counter is ahead of the
// session counter, modulo the 16-bit counter wrap.
func countDiff(hw, count uint32) uint32 {
	return (hw - count%hwCountWrap + hwCountWrap) % hwCountWrap
}

// nextDumpCount correlates the session counter with the hardware counter
// and decides what happens next:
//
//   - next == count: the hardware has not produced a new unit;
//   - next == count+1: the unit at count is ready to be emitted;
//   - next > count+1: the ring overflowed and the stream runs best
//     effort; the client has been told how many units were dropped;
//   - stop: the ring overflowed and the stream stops; the client has
//     been told. stop is reported instead of a zero next count so that
//     "stop" cannot be mistaken for a wrapped counter.
func (s *session) nextDumpCount(count, hw uint32) (next uint32, stop bool, err error) {
	diff := countDiff(hw, count)
	if diff == 0 {
		return count, false, nil
	}

	if diff > s.dumpLimit {
		// the ring has wrapped past the oldest unread slot
		audio := s.mode == modeRealtimeAudio
		switch s.rtMode {
		case StopWhenOverflow:
			code := ErrCodeVideoMemoryOverflowStop
			if audio {
				code = ErrCodeAudioMemoryOverflowStop
			}
			s.msg.Warn().Msg(errMsgMemoryOverflow)
			if err := s.sendResponse(code, []byte(errMsgMemoryOverflow)); err != nil {
				return 0, true, err
			}
			return 0, true, nil

		case BestEffort:
			code := ErrCodeVideoMemoryOverflowDrop
			format := errMsgDropVideoFrame
			if audio {
				code = ErrCodeAudioMemoryOverflowDrop
				format = errMsgDropAudioPage
			}
			text := fmt.Sprintf(format, diff)
			s.msg.Warn().Msg(text)
			if err := s.sendResponse(code, []byte(text)); err != nil {
				return 0, true, err
			}
			// drop; jump to the latest unit
			return count + diff, false, nil

		default:
			return 0, true, fmt.Errorf("stream: invalid realtime mode %d", s.rtMode)
		}
	}

	return count + 1, false, nil
}

// pollRequest reports whether a request is waiting on the connection,
// blocking at most pollTimeout.
func (s *session) pollRequest() (bool, error) {
	if s.br.Buffered() > 0 {
		return true, nil
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return false, fmt.Errorf("stream: could not poll client: %w", err)
	}
	_, err := s.br.Peek(1)
	if cerr := s.conn.SetReadDeadline(time.Time{}); cerr != nil && err == nil {
		err = cerr
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("stream: could not poll client: %w", err)
	}
}

// dumpRealtimeVideo follows the hardware frame counter and streams video
// frames until the client stops the dump, the ring overflows in stop
// mode, or a wire error occurs.
func (s *session) dumpRealtimeVideo() error {
	var head [HeadSize + VideoDataSize]byte
	s.initVideoHead(head[:])

	count := uint32(0)
	for {
		ready, err := s.pollRequest()
		if err != nil {
			return err
		}
		if ready {
			msgType := s.msgType
			if err := s.processMessage(); err != nil {
				s.msg.Error().Err(err).Msg("process message fail during dump realtime video")
				return err
			}
			s.msgType = msgType
			if !s.stopDump {
				// the request may have changed the stream parameters
				s.initVideoHead(head[:])
			}
		}

		if s.stopDump {
			s.stopDump = false
			return nil
		}

		// Both channels capture in lockstep; pacing follows the counter
		// of the detected channel.
		hw := s.hw.VideoFrameCount(s.checkChannel)
		next, stop, err := s.nextDumpCount(count, hw)
		switch {
		case err != nil:
			return err
		case stop:
			return nil
		case next == count:
			// no new unit yet; pollRequest already paused
			continue
		case next == count+1:
			binary.BigEndian.PutUint32(head[HeadSize:], count)
			slot := int(count % s.dumpLimit)
			if err := s.dumpAllChannels(head[:], slot*s.unitAlignedSize); err != nil {
				return err
			}
		}
		count = next
	}
}

// dumpRealtimeAudio follows the hardware page counter and streams audio
// pages until the client stops the dump, the ring overflows in stop
// mode, or a wire error occurs.
func (s *session) dumpRealtimeAudio() error {
	var head [HeadSize + AudioDataSize]byte
	s.initAudioHead(head[:])

	count := uint32(0)
	src := s.sources[0]
	for {
		ready, err := s.pollRequest()
		if err != nil {
			return err
		}
		if ready {
			// The audio data head is built once; keep the message type
			// of the stream across the interleaved request so that drop
			// and stop responses still carry it.
			msgType := s.msgType
			if err := s.processMessage(); err != nil {
				s.msg.Error().Err(err).Msg("process message fail during dump realtime audio")
				return err
			}
			s.msgType = msgType
		}

		if s.stopDump {
			s.stopDump = false
			return nil
		}

		hw := s.hw.AudioPageCount()
		next, stop, err := s.nextDumpCount(count, hw)
		switch {
		case err != nil:
			return err
		case stop:
			return nil
		case next == count:
			// no new unit yet; pollRequest already paused
			continue
		case next == count+1:
			binary.BigEndian.PutUint32(head[HeadSize:], count)
			slot := int(count % s.dumpLimit)
			if err := s.send(head[:]); err != nil {
				return err
			}
			if _, err := src.ReadAt(s.dumpBuf[:AudioPageSize], int64(slot*AudioPageSize)); err != nil {
				return fmt.Errorf("stream: could not read audio page at slot %d: %w", slot, err)
			}
			if err := s.send(s.dumpBuf[:AudioPageSize]); err != nil {
				return err
			}
		}
		count = next
	}
}
