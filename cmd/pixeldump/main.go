// Copyright 2023 The chameleon Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixeldump dumps pixels from the chameleon framebuffer to a
// file.
package main // import "github.com/emersion/chameleon/cmd/pixeldump"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/emersion/chameleon/internal/mmap"
)

func main() {
	log.SetPrefix("pixeldump: ")
	log.SetFlags(0)

	var (
		devmem = flag.String("dev-mem", "/dev/mem", "memory device the framebuffer is mapped from")
		addr   = flag.Uint64("addr", 0xc0000000, "framebuffer start address")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pixeldump [options] size_in_byte filename\n"+
			"Dump pixels from the chameleon framebuffer to a file.\n\noptions:\n",
		)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	size, err := strconv.ParseUint(flag.Arg(0), 0, 32)
	if err != nil {
		log.Fatalf("could not parse size %q: %+v", flag.Arg(0), err)
	}

	err = run(*devmem, int64(*addr), int(size), flag.Arg(1))
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(devmem string, addr int64, size int, oname string) error {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", devmem, err)
	}
	defer f.Close()

	src, err := mmap.Map(f, addr, pageAligned(size))
	if err != nil {
		return fmt.Errorf("could not map framebuffer: %w", err)
	}
	defer src.Close()

	err = os.WriteFile(oname, src.Bytes()[:size], 0644)
	if err != nil {
		return fmt.Errorf("could not write %q: %w", oname, err)
	}
	return nil
}

func pageAligned(size int) int {
	pagesize := os.Getpagesize()
	if size%pagesize != 0 {
		size += pagesize - size%pagesize
	}
	return size
}
