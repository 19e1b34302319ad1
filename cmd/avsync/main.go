// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command avsync monitors the audio page counter and the video frame
// counter of the chameleon board and reports the time interval between
// the first captured audio and video data.
package main // import "github.com/emersion/chameleon/cmd/avsync"

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/emersion/chameleon/board"
	"golang.org/x/sync/errgroup"
)

const (
	pollPause = 100 * time.Microsecond

	// The video dumper captures one frame when a new input is selected,
	// so the frame the measurement cares about is always the second one.
	minVideoFrames = 2

	// Shift by one 60Hz frame period to estimate the capture time of the
	// first frame from the capture time of the second.
	framePeriod = time.Second / 60
)

func main() {
	log.SetPrefix("avsync: ")
	log.SetFlags(0)

	var (
		devmem  = flag.String("dev-mem", "/dev/mem", "memory device the board is mapped from")
		channel = flag.Int("channel", 0, "video dump controller to watch")
		timeout = flag.Duration("timeout", 20*time.Second, "how long to wait for captured data")
	)
	flag.Parse()

	diff, err := run(*devmem, *channel, *timeout)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	fmt.Printf("%.8f\n", diff.Seconds())
}

func run(devmem string, channel int, timeout time.Duration) (time.Duration, error) {
	brd, err := board.Open(devmem)
	if err != nil {
		return 0, fmt.Errorf("could not open capture board: %w", err)
	}
	defer brd.Close()

	var (
		grp      errgroup.Group
		deadline = time.Now().Add(timeout)
		ta, tv   time.Time
	)

	grp.Go(func() error {
		last := brd.AudioPageCount()
		for time.Now().Before(deadline) {
			count := brd.AudioPageCount()
			if count > last {
				ta = time.Now()
				return nil
			}
			last = count
			time.Sleep(pollPause)
		}
		return fmt.Errorf("no audio page captured within %v", timeout)
	})

	grp.Go(func() error {
		last := brd.VideoFrameCount(channel)
		for time.Now().Before(deadline) {
			count := brd.VideoFrameCount(channel)
			if count > last && count >= minVideoFrames {
				tv = time.Now()
				return nil
			}
			last = count
			time.Sleep(pollPause)
		}
		return fmt.Errorf("no video frame captured within %v", timeout)
	})

	if err := grp.Wait(); err != nil {
		return 0, err
	}

	return tv.Sub(ta) - framePeriod, nil
}
