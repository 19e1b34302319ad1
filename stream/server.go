// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream implements the TCP streaming server of the chameleon
// capture board: clients connect, negotiate a captured region and pull a
// bounded batch of frames or subscribe to a realtime audio or video
// stream read straight out of the board's dump rings.
package stream // import "github.com/emersion/chameleon/stream"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/emersion/chameleon/board"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var _ Hardware = (*board.Board)(nil)

// Server accepts stream protocol clients and runs one session per
// connection.
type Server struct {
	lis net.Listener
	hw  Hardware

	devmem string
	msg    zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Serve listens on addr and serves stream protocol clients until ctx is
// canceled.
func Serve(ctx context.Context, addr string, hw Hardware, devmem string, msg zerolog.Logger) error {
	srv, err := NewServer(addr, hw, devmem, msg)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// NewServer creates a stream server listening on addr. Sessions read
// capture rings through devmem and board registers through hw.
func NewServer(addr string, hw Hardware, devmem string, msg zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream: could not listen on %q: %w", addr, err)
	}
	return &Server{
		lis:    lis,
		hw:     hw,
		devmem: devmem,
		msg:    msg,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr {
	return srv.lis.Addr()
}

// Serve accepts clients until ctx is canceled or the listener fails.
func (srv *Server) Serve(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		<-ctx.Done()
		_ = srv.lis.Close()
		srv.mu.Lock()
		for conn := range srv.conns {
			_ = conn.Close()
		}
		srv.mu.Unlock()
		return nil
	})

	grp.Go(func() error {
		for {
			conn, err := srv.lis.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return fmt.Errorf("stream: could not accept connection: %w", err)
				}
			}
			grp.Go(func() error {
				srv.handle(conn)
				return nil
			})
		}
	})

	return grp.Wait()
}

func (srv *Server) handle(conn net.Conn) {
	srv.mu.Lock()
	srv.conns[conn] = struct{}{}
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
		_ = conn.Close()
	}()

	msg := srv.msg.With().Str("session", conn.RemoteAddr().String()).Logger()
	msg.Info().Msg("session start")

	sess := newSession(conn, srv.hw, msg)
	if err := sess.openDevMem(srv.devmem); err != nil {
		msg.Error().Err(err).Msg("could not open memory device")
		return
	}
	defer sess.close()

	err := sess.run()
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		msg.Info().Msg("client disconnected")
	case err != nil:
		msg.Warn().Err(err).Msg("session failed")
	}
	msg.Info().Msg("session done")
}
