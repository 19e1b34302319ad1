// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stream-server runs the TCP streaming server of the chameleon
// capture board, dumping audio and video data to network clients.
package main // import "github.com/emersion/chameleon/cmd/stream-server"

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/emersion/chameleon/board"
	"github.com/emersion/chameleon/stream"
	"github.com/rs/zerolog"
)

func main() {
	var (
		devmem = flag.String("dev-mem", "/dev/mem", "memory device the board is mapped from")
		level  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stream-server [options] port\n"+
			"Stream server for dumping audio/video data.\n\noptions:\n",
		)
		flag.PrintDefaults()
	}
	flag.Parse()

	msg := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("app", "stream-server").Logger()

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		msg.Error().Msgf("invalid log level %q", *level)
		flag.Usage()
		os.Exit(1)
	}
	msg = msg.Level(lvl)

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "ERROR, no port provided\n")
		flag.Usage()
		os.Exit(1)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "ERROR, invalid port %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, port, *devmem, msg)
	if err != nil {
		msg.Fatal().Err(err).Msg("stream server failed")
	}
}

func run(ctx context.Context, port int, devmem string, msg zerolog.Logger) error {
	brd, err := board.Open(devmem)
	if err != nil {
		return fmt.Errorf("could not open capture board: %w", err)
	}
	defer brd.Close()

	msg.Info().Int("port", port).Msg("start stream server")
	return stream.Serve(ctx, fmt.Sprintf(":%d", port), brd, devmem, msg)
}
