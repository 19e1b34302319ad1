// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Protocol version reported by GetVersion.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// MainType is the high byte of a packet type.
type MainType uint8

const (
	Request  MainType = 0
	Response MainType = 1
	Data     MainType = 2
)

// MsgType is the low byte of a packet type. The numeric values are part
// of the wire contract.
type MsgType uint8

const (
	MsgReset MsgType = iota
	MsgGetVersion
	MsgConfigVideoStream
	MsgConfigShrinkVideoStream
	MsgDumpVideoFrame
	MsgDumpRealtimeVideoFrame
	MsgStopDumpVideoFrame
	MsgDumpRealtimeAudioPage
	MsgStopDumpAudioPage

	maxMsgType
)

// ErrCode is the error code carried by response packets.
type ErrCode uint16

const (
	ErrCodeOK ErrCode = iota
	ErrCodeNonSupportCommand
	ErrCodeArgument
	ErrCodeRealtimeStreamExists
	ErrCodeVideoMemoryOverflowStop
	ErrCodeVideoMemoryOverflowDrop
	ErrCodeAudioMemoryOverflowStop
	ErrCodeAudioMemoryOverflowDrop
	ErrCodeMemoryAllocFail
)

// RealtimeMode selects the policy applied when the producer outruns the
// consumer during a realtime dump.
type RealtimeMode uint8

const (
	NonRealtime      RealtimeMode = 0
	StopWhenOverflow RealtimeMode = 1
	BestEffort       RealtimeMode = 2
)

const (
	// HeadSize is the encoded size of a packet head.
	HeadSize = 8

	// VideoDataSize is the encoded size of the fixed part of a video
	// data packet (frame number, geometry, channel, padding).
	VideoDataSize = 12

	// AudioDataSize is the encoded size of the fixed part of an audio
	// data packet (page count).
	AudioDataSize = 4

	// AudioPageSize is the size of one audio page in the dump ring.
	AudioPageSize = 4096

	maxBuffer  = 2048
	maxPayload = maxBuffer - HeadSize
)

// Head is the fixed head common to every packet. All fields are
// big-endian on the wire.
type Head struct {
	Main   MainType
	Msg    MsgType
	Err    ErrCode
	Length uint32
}

// PutHead encodes h into the first HeadSize bytes of p.
func PutHead(p []byte, h Head) {
	binary.BigEndian.PutUint16(p[0:2], uint16(h.Main)<<8|uint16(h.Msg))
	binary.BigEndian.PutUint16(p[2:4], uint16(h.Err))
	binary.BigEndian.PutUint32(p[4:8], h.Length)
}

// ParseHead decodes a packet head from the first HeadSize bytes of p.
// The payload length is checked against the session buffer size; the
// head is otherwise oblivious to the packet semantics.
func ParseHead(p []byte) (Head, error) {
	if len(p) < HeadSize {
		return Head{}, xerrors.Errorf("stream: packet head too short (got=%d)", len(p))
	}
	typ := binary.BigEndian.Uint16(p[0:2])
	h := Head{
		Main:   MainType(typ >> 8),
		Msg:    MsgType(typ & 0xFF),
		Err:    ErrCode(binary.BigEndian.Uint16(p[2:4])),
		Length: binary.BigEndian.Uint32(p[4:8]),
	}
	if h.Length > maxPayload {
		return Head{}, xerrors.Errorf("stream: packet length %d exceeds buffer size %d", h.Length, maxPayload)
	}
	return h, nil
}

// VideoData is the fixed head of a video data packet, sent between the
// packet head and the raw pixels.
type VideoData struct {
	FrameNumber uint32
	Width       uint16
	Height      uint16
	Channel     uint8
}

// PutVideoData encodes d into the first VideoDataSize bytes of p.
// The three trailing padding bytes are zeroed.
func PutVideoData(p []byte, d VideoData) {
	binary.BigEndian.PutUint32(p[0:4], d.FrameNumber)
	binary.BigEndian.PutUint16(p[4:6], d.Width)
	binary.BigEndian.PutUint16(p[6:8], d.Height)
	p[8] = d.Channel
	p[9] = 0
	p[10] = 0
	p[11] = 0
}

// ParseVideoData decodes the fixed head of a video data packet.
func ParseVideoData(p []byte) (VideoData, error) {
	if len(p) < VideoDataSize {
		return VideoData{}, xerrors.Errorf("stream: video data head too short (got=%d)", len(p))
	}
	return VideoData{
		FrameNumber: binary.BigEndian.Uint32(p[0:4]),
		Width:       binary.BigEndian.Uint16(p[4:6]),
		Height:      binary.BigEndian.Uint16(p[6:8]),
		Channel:     p[8],
	}, nil
}

// AudioData is the fixed head of an audio data packet, sent between the
// packet head and the raw PCM page.
type AudioData struct {
	PageCount uint32
}

// PutAudioData encodes d into the first AudioDataSize bytes of p.
func PutAudioData(p []byte, d AudioData) {
	binary.BigEndian.PutUint32(p[0:4], d.PageCount)
}

// ParseAudioData decodes the fixed head of an audio data packet.
func ParseAudioData(p []byte) (AudioData, error) {
	if len(p) < AudioDataSize {
		return AudioData{}, xerrors.Errorf("stream: audio data head too short (got=%d)", len(p))
	}
	return AudioData{PageCount: binary.BigEndian.Uint32(p[0:4])}, nil
}
