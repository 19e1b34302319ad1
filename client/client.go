// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client implements a client for the chameleon stream server
// protocol.
package client // import "github.com/emersion/chameleon/client"

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/emersion/chameleon/stream"
)

// maxData bounds the payload size a client accepts in one packet.
const maxData = 64 << 20

// Error is a non-OK response from the server.
type Error struct {
	Code stream.ErrCode
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("client: server replied %d: %s", e.Code, e.Text)
}

// VideoFrame is one video data packet of a dump.
type VideoFrame struct {
	stream.VideoData
	Pixels []byte
}

// AudioPage is one audio data packet of a realtime audio dump.
type AudioPage struct {
	stream.AudioData
	Data []byte
}

// Event is one packet received while a realtime stream is active: a data
// unit, or an informational response (drop notice, overflow stop, stop
// acknowledgment).
type Event struct {
	Head  stream.Head
	Frame *VideoFrame
	Page  *AudioPage
	Text  string
}

// Client speaks the stream protocol with a chameleon stream server.
// It is not safe for concurrent use.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
}

// Dial connects to a stream server.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: could not dial %q: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection to a stream server.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, br: bufio.NewReader(conn)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends one request packet.
func (c *Client) Send(msg stream.MsgType, payload []byte) error {
	buf := make([]byte, stream.HeadSize+len(payload))
	stream.PutHead(buf, stream.Head{
		Main:   stream.Request,
		Msg:    msg,
		Length: uint32(len(payload)),
	})
	copy(buf[stream.HeadSize:], payload)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("client: could not send request: %w", err)
	}
	return nil
}

// ReadPacket reads one response or data packet.
func (c *Client) ReadPacket() (stream.Head, []byte, error) {
	var hb [stream.HeadSize]byte
	if _, err := io.ReadFull(c.br, hb[:]); err != nil {
		return stream.Head{}, nil, fmt.Errorf("client: could not read packet head: %w", err)
	}
	hd := stream.Head{
		Main:   stream.MainType(hb[0]),
		Msg:    stream.MsgType(hb[1]),
		Err:    stream.ErrCode(binary.BigEndian.Uint16(hb[2:4])),
		Length: binary.BigEndian.Uint32(hb[4:8]),
	}
	if hd.Length > maxData {
		return stream.Head{}, nil, fmt.Errorf("client: packet length %d too large", hd.Length)
	}
	payload := make([]byte, hd.Length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return stream.Head{}, nil, fmt.Errorf("client: could not read packet payload: %w", err)
	}
	return hd, payload, nil
}

// roundTrip sends a request and reads its response.
func (c *Client) roundTrip(msg stream.MsgType, payload []byte) ([]byte, error) {
	if err := c.Send(msg, payload); err != nil {
		return nil, err
	}
	hd, body, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	if hd.Main != stream.Response || hd.Msg != msg {
		return nil, fmt.Errorf("client: unexpected reply type (main=%d, msg=%d)", hd.Main, hd.Msg)
	}
	if hd.Err != stream.ErrCodeOK {
		return nil, &Error{Code: hd.Err, Text: string(body)}
	}
	return body, nil
}

// GetVersion returns the protocol version of the server.
func (c *Client) GetVersion() (major, minor uint8, err error) {
	body, err := c.roundTrip(stream.MsgGetVersion, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(body) < 2 {
		return 0, 0, fmt.Errorf("client: short version response (got=%d bytes)", len(body))
	}
	return body[0], body[1], nil
}

// Reset puts the session back to its initial configuration.
func (c *Client) Reset() error {
	_, err := c.roundTrip(stream.MsgReset, nil)
	return err
}

// ConfigVideoStream declares the geometry of subsequent video dumps.
func (c *Client) ConfigVideoStream(width, height uint16) error {
	var p [4]byte
	binary.BigEndian.PutUint16(p[0:2], width)
	binary.BigEndian.PutUint16(p[2:4], height)
	_, err := c.roundTrip(stream.MsgConfigVideoStream, p[:])
	return err
}

// ConfigShrinkVideoStream configures pixel decimation of subsequent
// video dumps.
func (c *Client) ConfigShrinkVideoStream(shrinkWidth, shrinkHeight uint8) error {
	_, err := c.roundTrip(stream.MsgConfigShrinkVideoStream, []byte{shrinkWidth, shrinkHeight})
	return err
}

// DumpVideoFrame pulls a bounded batch of frames captured at the given
// physical addresses. addr2 may be zero for single-channel captures.
func (c *Client) DumpVideoFrame(addr1, addr2 uint32, frames uint16) ([]VideoFrame, error) {
	var p [10]byte
	binary.BigEndian.PutUint32(p[0:4], addr1)
	binary.BigEndian.PutUint32(p[4:8], addr2)
	binary.BigEndian.PutUint16(p[8:10], frames)
	if _, err := c.roundTrip(stream.MsgDumpVideoFrame, p[:]); err != nil {
		return nil, err
	}

	channels := 0
	if addr1 != 0 {
		channels++
	}
	if addr2 != 0 {
		channels++
	}

	out := make([]VideoFrame, 0, int(frames)*channels)
	for i := 0; i < int(frames)*channels; i++ {
		hd, body, err := c.ReadPacket()
		if err != nil {
			return out, err
		}
		frame, err := parseVideoFrame(hd, body)
		if err != nil {
			return out, err
		}
		out = append(out, *frame)
	}
	return out, nil
}

// StartRealtimeVideo subscribes to the realtime video stream. Data
// packets are consumed with NextEvent.
func (c *Client) StartRealtimeVideo(dual bool, mode stream.RealtimeMode) error {
	p := []byte{0, byte(mode)}
	if dual {
		p[0] = 1
	}
	_, err := c.roundTrip(stream.MsgDumpRealtimeVideoFrame, p)
	return err
}

// StartRealtimeAudio subscribes to the realtime audio stream. Data
// packets are consumed with NextEvent.
func (c *Client) StartRealtimeAudio(mode stream.RealtimeMode) error {
	_, err := c.roundTrip(stream.MsgDumpRealtimeAudioPage, []byte{byte(mode)})
	return err
}

// StopDumpVideo asks the server to end the realtime video stream. The
// acknowledgment arrives in-stream, through NextEvent.
func (c *Client) StopDumpVideo() error {
	return c.Send(stream.MsgStopDumpVideoFrame, nil)
}

// StopDumpAudio asks the server to end the realtime audio stream. The
// acknowledgment arrives in-stream, through NextEvent.
func (c *Client) StopDumpAudio() error {
	return c.Send(stream.MsgStopDumpAudioPage, nil)
}

// NextEvent reads the next packet of a realtime stream.
func (c *Client) NextEvent() (*Event, error) {
	hd, body, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}

	ev := &Event{Head: hd}
	switch hd.Main {
	case stream.Data:
		switch hd.Msg {
		case stream.MsgDumpRealtimeAudioPage:
			page, err := parseAudioPage(hd, body)
			if err != nil {
				return nil, err
			}
			ev.Page = page
		default:
			frame, err := parseVideoFrame(hd, body)
			if err != nil {
				return nil, err
			}
			ev.Frame = frame
		}
	case stream.Response:
		ev.Text = string(body)
	default:
		return nil, fmt.Errorf("client: unexpected main type %d", hd.Main)
	}
	return ev, nil
}

func parseVideoFrame(hd stream.Head, body []byte) (*VideoFrame, error) {
	if hd.Main != stream.Data {
		return nil, fmt.Errorf("client: expected a data packet (got main=%d, err=%d, %q)",
			hd.Main, hd.Err, body)
	}
	data, err := stream.ParseVideoData(body)
	if err != nil {
		return nil, err
	}
	return &VideoFrame{
		VideoData: data,
		Pixels:    body[stream.VideoDataSize:],
	}, nil
}

func parseAudioPage(hd stream.Head, body []byte) (*AudioPage, error) {
	if hd.Main != stream.Data {
		return nil, fmt.Errorf("client: expected a data packet (got main=%d, err=%d, %q)",
			hd.Main, hd.Err, body)
	}
	data, err := stream.ParseAudioData(body)
	if err != nil {
		return nil, err
	}
	return &AudioPage{
		AudioData: data,
		Data:      body[stream.AudioDataSize:],
	}, nil
}
