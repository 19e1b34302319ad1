// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/emersion/chameleon/internal/mmap"
	"github.com/rs/zerolog"
)

const (
	bytesPerPixel = 3
	hwCountWrap   = 0x10000

	// maxDumpUnit bounds the scratch buffer a single request may pin.
	// The largest real capture is 4K RGB, well below this.
	maxDumpUnit = 256 << 20
)

const (
	errMsgMMap                = "Memory map fail"
	errMsgMemoryAlloc         = "Memory allocate fail"
	errMsgRealtimeMode        = "Realtime mode is wrong"
	errMsgRealtimeStream      = "There is an existing realtime stream"
	errMsgRealtimeNonSame     = "Width or height or limit is not the same"
	errMsgFrameNumberZero     = "Frame number is 0"
	errMsg2ndChannelNotRun    = "2nd channel is not running"
	errMsgNotRun              = "Capture HW is not running"
	errMsgDumpMemoryNotEnough = "Dump memory is not enough"
	errMsgDropVideoFrame      = "Drop realtime video frame %d"
	errMsgDropAudioPage       = "Drop realtime audio page %d"
	errMsgMemoryOverflow      = "Stop dump realtime audio/video due to memory overflow"
)

// mode is the streaming state of a session.
type mode uint8

const (
	modeIdle mode = iota
	modeDump
	modeRealtimeVideo
	modeRealtimeAudio
)

// session serves the stream protocol on one client connection.
//
// A session owns its connection, its dump buffer and its mappings of the
// capture rings; nothing is shared with other sessions except the
// read-only Hardware.
type session struct {
	conn net.Conn
	br   *bufio.Reader
	msg  zerolog.Logger
	hw   Hardware

	devmem  *os.File
	mapRing func(addr uint32, size int) (*mmap.Handle, error)

	// receive and send scratch buffers
	rbuf []byte
	sbuf []byte

	// message type currently being serviced
	msgType MsgType

	mode     mode
	rtMode   RealtimeMode
	stopDump bool

	screenWidth  int
	screenHeight int

	isShrink     bool
	shrinkWidth  int
	shrinkHeight int

	// realtime video channel whose counter paces the stream
	checkChannel int

	dumpLimit       uint32
	dumpAddrs       [2]uint32
	unitAlignedSize int
	mmapSize        int
	sources         [2]*mmap.Handle
	dumpBuf         []byte
}

func newSession(conn net.Conn, hw Hardware, msg zerolog.Logger) *session {
	return &session{
		conn: conn,
		br:   bufio.NewReaderSize(conn, maxBuffer),
		msg:  msg,
		hw:   hw,
		rbuf: make([]byte, maxBuffer),
		sbuf: make([]byte, maxBuffer),
	}
}

// openDevMem opens the memory device the capture rings are mapped from.
func (s *session) openDevMem(devmem string) error {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("stream: could not open %q: %w", devmem, err)
	}
	s.devmem = f
	s.mapRing = func(addr uint32, size int) (*mmap.Handle, error) {
		return mmap.Map(f, int64(addr), size)
	}
	return nil
}

// run services requests until the client disconnects or a fatal error
// occurs.
func (s *session) run() error {
	for {
		if err := s.processMessage(); err != nil {
			return err
		}
	}
}

// close releases every resource owned by the session.
func (s *session) close() {
	s.msg.Info().Msg("cleaning session...")
	s.cleanDump()
	if s.devmem != nil {
		_ = s.devmem.Close()
		s.devmem = nil
	}
	s.msg.Info().Msg("cleaned session")
}

// processMessage reads one request packet and dispatches it.
// A returned error is fatal to the session.
func (s *session) processMessage() error {
	if _, err := io.ReadFull(s.br, s.rbuf[:HeadSize]); err != nil {
		return fmt.Errorf("stream: could not read packet head: %w", err)
	}
	hdr, err := ParseHead(s.rbuf[:HeadSize])
	if err != nil {
		return err
	}
	if hdr.Main != Request {
		return fmt.Errorf("stream: invalid main type 0x%x (want 0x%x)", hdr.Main, Request)
	}
	if hdr.Msg >= maxMsgType {
		return fmt.Errorf("stream: invalid message type %d (max %d)", hdr.Msg, maxMsgType-1)
	}

	payload := s.rbuf[:hdr.Length]
	if hdr.Length > 0 {
		if _, err := io.ReadFull(s.br, payload); err != nil {
			return fmt.Errorf("stream: could not read request payload: %w", err)
		}
	}

	s.msgType = hdr.Msg
	s.msg.Debug().Uint8("type", uint8(hdr.Msg)).Uint32("length", hdr.Length).Msg("receive request")

	switch hdr.Msg {
	case MsgReset:
		return s.processReset()
	case MsgGetVersion:
		return s.processGetVersion()
	case MsgConfigVideoStream:
		return s.processConfigVideoStream(payload)
	case MsgConfigShrinkVideoStream:
		return s.processConfigShrinkVideoStream(payload)
	case MsgDumpVideoFrame:
		return s.processDumpVideoFrame(payload)
	case MsgDumpRealtimeVideoFrame:
		return s.processDumpRealtimeVideoFrame(payload)
	case MsgDumpRealtimeAudioPage:
		return s.processDumpRealtimeAudioPage(payload)
	case MsgStopDumpVideoFrame, MsgStopDumpAudioPage:
		return s.processStopDump()
	}
	panic("unreachable")
}

func (s *session) send(p []byte) error {
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("stream: could not send to client: %w", err)
	}
	return nil
}

// sendResponse sends a response packet for the request currently being
// serviced.
func (s *session) sendResponse(code ErrCode, payload []byte) error {
	PutHead(s.sbuf[:HeadSize], Head{
		Main:   Response,
		Msg:    s.msgType,
		Err:    code,
		Length: uint32(len(payload)),
	})
	n := HeadSize + copy(s.sbuf[HeadSize:], payload)
	return s.send(s.sbuf[:n])
}

// failRequest rejects the request currently being configured: the error
// response is sent, the partial capture state is released and the
// session stays alive. The returned error is non-nil only when the
// response could not be delivered.
//
// Never call it while a realtime stream owns the dump state; use
// checkRealtimeStream for that case.
func (s *session) failRequest(code ErrCode, text string) error {
	s.msg.Warn().Msg(text)
	err := s.sendResponse(code, []byte(text))
	s.cleanDump()
	return err
}

// checkRealtimeStream reports whether no realtime stream is active.
// If one is, the client is told so and the stream state is left alone.
func (s *session) checkRealtimeStream() (ok bool, err error) {
	if s.mode != modeRealtimeVideo && s.mode != modeRealtimeAudio {
		return true, nil
	}
	s.msg.Warn().Msg(errMsgRealtimeStream)
	return false, s.sendResponse(ErrCodeRealtimeStreamExists, []byte(errMsgRealtimeStream))
}

// cleanDump releases the capture state of the current request and puts
// the session back to idle.
func (s *session) cleanDump() {
	s.dumpBuf = nil
	for i := range s.sources {
		s.dumpAddrs[i] = 0
		if s.sources[i] != nil {
			_ = s.sources[i].Close()
			s.sources[i] = nil
		}
	}
	s.mmapSize = 0
	s.rtMode = NonRealtime
	s.mode = modeIdle
}

func (s *session) resetSession() {
	s.screenWidth = 0
	s.screenHeight = 0
	s.isShrink = false
	s.shrinkWidth = 0
	s.shrinkHeight = 0

	s.stopDump = false
	s.dumpLimit = 0

	s.rtMode = NonRealtime
	s.mode = modeIdle
}

// prepareDumpBuffer allocates the scratch buffer one unit is staged in
// before being sent.
func (s *session) prepareDumpBuffer() (ok bool, err error) {
	if s.unitAlignedSize <= 0 || s.unitAlignedSize > maxDumpUnit {
		return false, s.failRequest(ErrCodeMemoryAllocFail, errMsgMemoryAlloc)
	}
	s.msg.Info().Int("size", s.unitAlignedSize).Msg("allocate frame buffer")
	s.dumpBuf = make([]byte, s.unitAlignedSize)
	return true, nil
}

// prepareMMAP maps every configured dump ring into the session address
// space.
func (s *session) prepareMMAP() (ok bool, err error) {
	s.mmapSize = int(s.dumpLimit) * s.unitAlignedSize
	for i, addr := range s.dumpAddrs {
		if addr == 0 {
			continue
		}
		h, err := s.mapRing(addr, s.mmapSize)
		if err != nil {
			s.msg.Error().Err(err).Uint32("addr", addr).Msg("cannot mmap source")
			return false, s.failRequest(ErrCodeArgument, errMsgMMap)
		}
		s.msg.Info().Uint32("addr", addr).Int("size", s.mmapSize).Msg("mmap source")
		s.sources[i] = h
	}
	return true, nil
}

func (s *session) processReset() error {
	s.msg.Info().Msg("process reset")

	if ok, err := s.checkRealtimeStream(); !ok || err != nil {
		return err
	}

	s.resetSession()
	return s.sendResponse(ErrCodeOK, nil)
}

func (s *session) processGetVersion() error {
	s.msg.Info().Msgf("get version %d.%d", VersionMajor, VersionMinor)
	return s.sendResponse(ErrCodeOK, []byte{VersionMajor, VersionMinor})
}

func (s *session) processConfigVideoStream(p []byte) error {
	if len(p) < 4 {
		return fmt.Errorf("stream: short ConfigVideoStream request (got=%d bytes)", len(p))
	}
	s.screenWidth = int(binary.BigEndian.Uint16(p[0:2]))
	s.screenHeight = int(binary.BigEndian.Uint16(p[2:4]))

	s.msg.Info().
		Int("width", s.screenWidth).Int("height", s.screenHeight).
		Msg("config video stream")

	return s.sendResponse(ErrCodeOK, nil)
}

func (s *session) processConfigShrinkVideoStream(p []byte) error {
	if len(p) < 2 {
		return fmt.Errorf("stream: short ConfigShrinkVideoStream request (got=%d bytes)", len(p))
	}
	s.shrinkWidth = int(p[0])
	s.shrinkHeight = int(p[1])
	s.isShrink = s.shrinkWidth != 0 || s.shrinkHeight != 0

	s.msg.Info().
		Int("shrink-width", s.shrinkWidth).Int("shrink-height", s.shrinkHeight).
		Msg("config shrink video stream")

	return s.sendResponse(ErrCodeOK, nil)
}

func (s *session) processDumpVideoFrame(p []byte) error {
	if len(p) < 10 {
		return fmt.Errorf("stream: short DumpVideoFrame request (got=%d bytes)", len(p))
	}
	var (
		addr1  = binary.BigEndian.Uint32(p[0:4])
		addr2  = binary.BigEndian.Uint32(p[4:8])
		frames = binary.BigEndian.Uint16(p[8:10])
	)

	s.msg.Info().
		Uint16("frames", frames).
		Uint32("memory1", addr1).Uint32("memory2", addr2).
		Msg("dump video frame")

	if ok, err := s.checkRealtimeStream(); !ok || err != nil {
		return err
	}

	s.unitAlignedSize = pageAligned(s.screenWidth * s.screenHeight * bytesPerPixel)
	s.dumpAddrs[0] = addr1
	s.dumpAddrs[1] = addr2

	if frames == 0 {
		return s.failRequest(ErrCodeArgument, errMsgFrameNumberZero)
	}

	if ok, err := s.prepareDumpBuffer(); !ok || err != nil {
		return err
	}

	s.dumpLimit = uint32(frames)
	if ok, err := s.prepareMMAP(); !ok || err != nil {
		return err
	}

	s.mode = modeDump
	if err := s.sendResponse(ErrCodeOK, nil); err != nil {
		return err
	}

	if err := s.dumpVideoFrames(int(frames)); err != nil {
		return err
	}

	s.cleanDump()
	return nil
}

func (s *session) processDumpRealtimeVideoFrame(p []byte) error {
	if len(p) < 2 {
		return fmt.Errorf("stream: short DumpRealtimeVideoFrame request (got=%d bytes)", len(p))
	}
	var (
		isDual = p[0] != 0
		rtm    = RealtimeMode(p[1])
	)

	s.msg.Info().
		Bool("dual", isDual).Uint8("mode", uint8(rtm)).
		Msg("dump realtime video frame")

	if ok, err := s.checkRealtimeStream(); !ok || err != nil {
		return err
	}
	if ok, err := s.checkRealtimeMode(rtm); !ok || err != nil {
		return err
	}
	if ok, err := s.realtimeVideoParameters(isDual, rtm); !ok || err != nil {
		return err
	}
	if ok, err := s.prepareDumpBuffer(); !ok || err != nil {
		return err
	}
	if ok, err := s.prepareMMAP(); !ok || err != nil {
		return err
	}

	s.mode = modeRealtimeVideo
	if err := s.sendResponse(ErrCodeOK, nil); err != nil {
		return err
	}

	err := s.dumpRealtimeVideo()
	s.cleanDump()
	return err
}

func (s *session) processDumpRealtimeAudioPage(p []byte) error {
	if len(p) < 1 {
		return fmt.Errorf("stream: short DumpRealtimeAudioPage request (got=%d bytes)", len(p))
	}
	rtm := RealtimeMode(p[0])

	s.msg.Info().Uint8("mode", uint8(rtm)).Msg("dump realtime audio page")

	if ok, err := s.checkRealtimeStream(); !ok || err != nil {
		return err
	}
	if ok, err := s.checkRealtimeMode(rtm); !ok || err != nil {
		return err
	}
	if ok, err := s.realtimeAudioParameters(rtm); !ok || err != nil {
		return err
	}
	if ok, err := s.prepareDumpBuffer(); !ok || err != nil {
		return err
	}
	if ok, err := s.prepareMMAP(); !ok || err != nil {
		return err
	}

	s.mode = modeRealtimeAudio
	if err := s.sendResponse(ErrCodeOK, nil); err != nil {
		return err
	}

	err := s.dumpRealtimeAudio()
	s.cleanDump()
	return err
}

func (s *session) processStopDump() error {
	s.msg.Info().Uint8("mode", uint8(s.mode)).Msg("process stop dump")

	if s.mode == modeRealtimeVideo || s.mode == modeRealtimeAudio {
		s.stopDump = true
	}

	return s.sendResponse(ErrCodeOK, nil)
}

func (s *session) checkRealtimeMode(rtm RealtimeMode) (ok bool, err error) {
	if rtm == StopWhenOverflow || rtm == BestEffort {
		return true, nil
	}
	s.msg.Warn().Uint8("mode", uint8(rtm)).Msg("realtime mode is not acceptable")
	return false, s.failRequest(ErrCodeArgument, errMsgRealtimeMode)
}

// videoGeometry returns the captured frame geometry of a channel: the
// crop window when cropping is enabled, the full frame otherwise.
func (s *session) videoGeometry(ch int) (width, height int) {
	if s.hw.VideoCropEnable(ch) {
		left, right, top, bottom := s.hw.VideoCrop(ch)
		return right - left, bottom - top
	}
	return s.hw.VideoFrameWidth(ch), s.hw.VideoFrameHeight(ch)
}

// realtimeVideoParameters reads the capture configuration from the
// hardware and validates it against the request.
func (s *session) realtimeVideoParameters(isDual bool, rtm RealtimeMode) (ok bool, err error) {
	// auto detect the video dump channel
	var ch int
	switch {
	case s.hw.VideoRun(0):
		ch = 0
	case s.hw.VideoRun(1):
		ch = 1
	default:
		return false, s.failRequest(ErrCodeArgument, errMsgNotRun)
	}
	s.dumpAddrs[0] = s.hw.VideoDumpStartAddr(ch)

	width, height := s.videoGeometry(ch)

	s.dumpLimit = s.hw.VideoDumpLimit(ch)
	s.screenWidth = width
	s.screenHeight = height
	s.checkChannel = ch
	s.unitAlignedSize = pageAligned(width * height * bytesPerPixel)
	s.rtMode = rtm

	// Check memory spaces first, to prevent memory overflow due to a
	// wrong board configuration.
	end := s.hw.VideoDumpEndAddr(ch)
	s.msg.Info().
		Uint32("addr", s.dumpAddrs[0]).Uint32("end", end).
		Uint64("min-space", uint64(s.unitAlignedSize)*uint64(s.dumpLimit)).
		Msg("realtime video primary channel")
	if uint64(end-s.dumpAddrs[0]) <= uint64(s.unitAlignedSize)*uint64(s.dumpLimit) {
		return false, s.failRequest(ErrCodeArgument, errMsgDumpMemoryNotEnough)
	}

	if !isDual {
		// dump from one channel only
		s.dumpAddrs[1] = 0
		s.logRealtimeVideo()
		return true, nil
	}

	other := 1 - ch
	if !s.hw.VideoRun(other) {
		return false, s.failRequest(ErrCodeArgument, errMsg2ndChannelNotRun)
	}

	// Dual channel dumps only make sense when both controllers capture
	// the same geometry into rings of the same capacity.
	width, height = s.videoGeometry(other)
	if width != s.screenWidth || height != s.screenHeight ||
		s.dumpLimit != s.hw.VideoDumpLimit(other) {
		return false, s.failRequest(ErrCodeArgument, errMsgRealtimeNonSame)
	}

	s.dumpAddrs[1] = s.hw.VideoDumpStartAddr(other)
	end = s.hw.VideoDumpEndAddr(other)
	s.msg.Info().
		Uint32("addr", s.dumpAddrs[1]).Uint32("end", end).
		Uint64("min-space", uint64(s.unitAlignedSize)*uint64(s.dumpLimit)).
		Msg("realtime video second channel")
	if uint64(end-s.dumpAddrs[1]) <= uint64(s.unitAlignedSize)*uint64(s.dumpLimit) {
		return false, s.failRequest(ErrCodeArgument, errMsgDumpMemoryNotEnough)
	}

	s.logRealtimeVideo()
	return true, nil
}

func (s *session) logRealtimeVideo() {
	s.msg.Info().
		Int("width", s.screenWidth).Int("height", s.screenHeight).
		Uint32("limit", s.dumpLimit).
		Msg("realtime video parameters")
}

// realtimeAudioParameters reads the audio capture configuration from the
// hardware.
func (s *session) realtimeAudioParameters(rtm RealtimeMode) (ok bool, err error) {
	if !s.hw.AudioRun() {
		return false, s.failRequest(ErrCodeArgument, errMsgNotRun)
	}
	s.dumpAddrs[0] = s.hw.AudioDumpStartAddr()
	s.dumpAddrs[1] = 0
	end := s.hw.AudioDumpEndAddr()

	// The audio dump controller has no dump limit register; the ring
	// capacity is derived from the memory range.
	s.dumpLimit = (end - s.dumpAddrs[0]) / AudioPageSize
	s.unitAlignedSize = AudioPageSize
	s.rtMode = rtm

	s.msg.Info().
		Uint32("addr", s.dumpAddrs[0]).Uint32("end", end).
		Uint32("limit", s.dumpLimit).
		Msg("realtime audio parameters")

	return true, nil
}

// pageAligned rounds size up to the system page size.
func pageAligned(size int) int {
	pagesize := os.Getpagesize()
	if size%pagesize != 0 {
		size += pagesize - size%pagesize
	}
	return size
}
