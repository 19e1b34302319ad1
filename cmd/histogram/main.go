// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command histogram computes the histogram of sampled pixels from the
// chameleon framebuffer.
package main // import "github.com/emersion/chameleon/cmd/histogram"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/chameleon/internal/mmap"
)

const bytesPerPixel = 3

type addrList []int64

func (as *addrList) String() string {
	var b strings.Builder
	for i, a := range *as {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "0x%x", a)
	}
	return b.String()
}

func (as *addrList) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("could not parse address %q: %w", s, err)
	}
	*as = append(*as, int64(v))
	return nil
}

func main() {
	log.SetPrefix("histogram: ")
	log.SetFlags(0)

	var (
		devmem  = flag.String("dev-mem", "/dev/mem", "memory device the framebuffer is mapped from")
		grids   = flag.Int("g", 3, "number of grids per axis")
		samples = flag.Int("s", 10, "number of sample points per grid and axis")
		addrs   addrList
	)
	flag.Var(&addrs, "a", "framebuffer start address (may be repeated)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: histogram [options] screen_width screen_height\n"+
			"Compute the histogram of sampled pixels.\n\noptions:\n",
		)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	width, err := strconv.Atoi(flag.Arg(0))
	if err != nil || width <= 0 {
		log.Fatalf("could not parse screen width %q", flag.Arg(0))
	}
	height, err := strconv.Atoi(flag.Arg(1))
	if err != nil || height <= 0 {
		log.Fatalf("could not parse screen height %q", flag.Arg(1))
	}

	if len(addrs) == 0 {
		addrs = addrList{0xc0000000}
	}

	err = run(os.Stdout, *devmem, addrs, width, height, *grids, *samples)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(w *os.File, devmem string, addrs []int64, width, height, grids, samples int) error {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", devmem, err)
	}
	defer f.Close()

	size := pageAligned(width * height * bytesPerPixel)
	for _, addr := range addrs {
		src, err := mmap.Map(f, addr, size)
		if err != nil {
			return fmt.Errorf("could not map framebuffer 0x%x: %w", addr, err)
		}
		printHistograms(w, src.Bytes(), width, height, grids, samples)
		_ = src.Close()
	}
	return nil
}

// printHistograms samples an evenly spaced grid of pixels and prints,
// for every grid cell and color channel, the population of the four
// intensity buckets.
func printHistograms(w *os.File, frame []byte, width, height, grids, samples int) {
	// Space the sample points evenly, instead of the grids, and center
	// the whole group on the screen.
	sampleW := width / (grids * samples)
	gridW := sampleW * samples
	left := sampleW/2 + (width-gridW*grids)/2

	sampleH := height / (grids * samples)
	gridH := sampleH * samples
	top := sampleH/2 + (height-gridH*grids)/2

	for row := 0; row < grids; row++ {
		for col := 0; col < grids; col++ {
			for rgb := 0; rgb < bytesPerPixel; rgb++ {
				var buckets [4]int
				for y := 0; y < samples; y++ {
					for x := 0; x < samples; x++ {
						px := left + col*gridW + x*sampleW
						py := top + row*gridH + y*sampleH
						v := frame[(py*width+px)*bytesPerPixel+rgb]
						buckets[v>>6]++
					}
				}
				fmt.Fprintf(w, "%d %d %d %d ", buckets[0], buckets[1], buckets[2], buckets[3])
			}
		}
	}
	fmt.Fprintf(w, "\n")
}

func pageAligned(size int) int {
	pagesize := os.Getpagesize()
	if size%pagesize != 0 {
		size += pagesize - size%pagesize
	}
	return size
}
