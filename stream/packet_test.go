// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"strings"
	"testing"
)

func TestHeadRoundTrip(t *testing.T) {
	for _, want := range []Head{
		{Main: Request, Msg: MsgReset, Err: ErrCodeOK, Length: 0},
		{Main: Request, Msg: MsgGetVersion, Err: ErrCodeOK, Length: 0},
		{Main: Response, Msg: MsgDumpVideoFrame, Err: ErrCodeArgument, Length: 17},
		{Main: Data, Msg: MsgDumpRealtimeAudioPage, Err: ErrCodeOK, Length: AudioDataSize + AudioPageSize},
		{Main: Data, Msg: MsgDumpRealtimeVideoFrame, Err: ErrCodeOK, Length: maxPayload},
	} {
		var buf [HeadSize]byte
		PutHead(buf[:], want)
		got, err := ParseHead(buf[:])
		if err != nil {
			t.Fatalf("could not parse head %+v: %+v", want, err)
		}
		if got != want {
			t.Fatalf("invalid head round-trip:\ngot = %+v\nwant= %+v", got, want)
		}
	}
}

func TestHeadEncoding(t *testing.T) {
	for _, tc := range []struct {
		head Head
		want []byte
	}{
		{
			// GetVersion request
			head: Head{Main: Request, Msg: MsgGetVersion},
			want: []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
		{
			// GetVersion response
			head: Head{Main: Response, Msg: MsgGetVersion, Length: 2},
			want: []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
		},
		{
			// ConfigVideoStream 640x480 request
			head: Head{Main: Request, Msg: MsgConfigVideoStream, Length: 4},
			want: []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04},
		},
		{
			// DumpVideoFrame argument error response
			head: Head{Main: Response, Msg: MsgDumpVideoFrame, Err: ErrCodeArgument, Length: 17},
			want: []byte{0x01, 0x04, 0x00, 0x02, 0x00, 0x00, 0x00, 0x11},
		},
	} {
		var buf [HeadSize]byte
		PutHead(buf[:], tc.head)
		if !bytes.Equal(buf[:], tc.want) {
			t.Fatalf("invalid encoding of %+v:\ngot = %x\nwant= %x", tc.head, buf[:], tc.want)
		}
	}
}

func TestParseHeadTooLong(t *testing.T) {
	var buf [HeadSize]byte
	PutHead(buf[:], Head{Main: Request, Msg: MsgReset, Length: maxPayload + 1})
	_, err := ParseHead(buf[:])
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.Contains(err.Error(), "exceeds buffer size") {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestParseHeadShort(t *testing.T) {
	_, err := ParseHead(make([]byte, HeadSize-1))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestVideoDataRoundTrip(t *testing.T) {
	want := VideoData{
		FrameNumber: 42,
		Width:       1920,
		Height:      1080,
		Channel:     1,
	}

	buf := bytes.Repeat([]byte{0xFF}, VideoDataSize)
	PutVideoData(buf, want)

	got, err := ParseVideoData(buf)
	if err != nil {
		t.Fatalf("could not parse video data: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid video data round-trip:\ngot = %+v\nwant= %+v", got, want)
	}

	if !bytes.Equal(buf[9:12], []byte{0, 0, 0}) {
		t.Fatalf("padding not zeroed: %x", buf[9:12])
	}
}

func TestAudioDataRoundTrip(t *testing.T) {
	want := AudioData{PageCount: 123456}

	var buf [AudioDataSize]byte
	PutAudioData(buf[:], want)

	got, err := ParseAudioData(buf[:])
	if err != nil {
		t.Fatalf("could not parse audio data: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid audio data round-trip:\ngot = %+v\nwant= %+v", got, want)
	}
}
