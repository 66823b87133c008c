// mfsclientbench drives the chunk I/O engines against a live cluster
// for manual soak testing: it opens one inode, streams a pattern
// through the write path, fsyncs, then reads it back and verifies every
// byte. Master discovery goes through etcd, the same way a mounted
// client would find the active master.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/moosefs/moosefs-sub002/apis"
	"github.com/moosefs/moosefs-sub002/applog"
	"github.com/moosefs/moosefs-sub002/chunkloccache"
	"github.com/moosefs/moosefs-sub002/chunklock"
	"github.com/moosefs/moosefs-sub002/config"
	"github.com/moosefs/moosefs-sub002/connpool"
	"github.com/moosefs/moosefs-sub002/csorder"
	"github.com/moosefs/moosefs-sub002/inodelength"
	"github.com/moosefs/moosefs-sub002/masterclient"
	"github.com/moosefs/moosefs-sub002/posixio"
	"github.com/moosefs/moosefs-sub002/readengine"
	"github.com/moosefs/moosefs-sub002/writeengine"

	"github.com/hanwen/go-fuse/fuse"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file (optional; defaults apply)")
		inodeFlag  = flag.Uint("inode", 1, "inode to exercise")
		sizeMB     = flag.Int("size-mb", 16, "bytes to stream, in MiB")
		op         = flag.String("op", "rw", "operation: write, read, or rw")
	)
	flag.Parse()

	log := applog.Default()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if len(cfg.EtcdEndpoints) == 0 {
		log.Errorf("no etcd_endpoints configured; nothing to dial")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	master, err := masterclient.DialEtcd(ctx, cfg.EtcdEndpoints)
	cancel()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	defer master.Close()

	eng := buildEngines(master, cfg)
	inode := apis.Inode(*inodeFlag)

	h, st := posixio.Open(eng, inode, apis.ReadWrite)
	if st != fuse.OK {
		log.Errorf("open inode %d: %v", inode, st)
		os.Exit(1)
	}
	defer h.Close()

	total := uint64(*sizeMB) * 1024 * 1024
	start := time.Now()

	if *op == "write" || *op == "rw" {
		if err := streamWrite(h, total); err != nil {
			log.Errorf("write: %v", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)
		fmt.Printf("wrote %d MiB in %v (%.1f MiB/s)\n", *sizeMB, elapsed.Round(time.Millisecond),
			float64(*sizeMB)/elapsed.Seconds())
	}

	if *op == "read" || *op == "rw" {
		start = time.Now()
		verify := *op == "rw"
		if err := streamRead(h, total, verify); err != nil {
			log.Errorf("read: %v", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)
		fmt.Printf("read %d MiB in %v (%.1f MiB/s)\n", *sizeMB, elapsed.Round(time.Millisecond),
			float64(*sizeMB)/elapsed.Seconds())
	}
}

func buildEngines(master masterclient.Client, cfg config.Configuration) *posixio.Engines {
	cache := chunkloccache.New(cfg.LCacheRetention())
	locks := chunklock.NewTable()
	order := csorder.New(csorder.LabelExpr{Mask: cfg.PreferredLabels}, nil)
	pool := connpool.New(0)

	hook := readengine.NewInvalidatorHook()
	lengths := inodelength.NewRegistry(hook)

	re := readengine.New(master, cache, locks, order, pool, lengths, cfg.ReadConfig())
	hook.Bind(re)

	blocks := writeengine.NewBlockPool(cfg.WriteCacheMB)
	we := writeengine.New(master, cache, locks, order, pool, lengths, blocks, re, cfg.WriteConfig())

	return &posixio.Engines{
		Master:  master,
		Read:    re,
		Write:   we,
		Lengths: lengths,
		Cache:   cache,
	}
}

const stripe = 1024 * 1024

func patternAt(buf []byte, offset uint64) {
	for i := range buf {
		buf[i] = byte((offset + uint64(i)) * 2654435761)
	}
}

func streamWrite(h *posixio.Handle, total uint64) error {
	buf := make([]byte, stripe)
	for off := uint64(0); off < total; off += stripe {
		patternAt(buf, off)
		if _, st := h.Pwrite(buf, off); st != fuse.OK {
			return fmt.Errorf("pwrite at %d: %v", off, st)
		}
	}
	if st := h.Fsync(); st != fuse.OK {
		return fmt.Errorf("fsync: %v", st)
	}
	return nil
}

func streamRead(h *posixio.Handle, total uint64, verify bool) error {
	buf := make([]byte, stripe)
	want := make([]byte, stripe)
	for off := uint64(0); off < total; off += stripe {
		n, st := h.Pread(buf, off)
		if st != fuse.OK {
			return fmt.Errorf("pread at %d: %v", off, st)
		}
		if n != stripe {
			return fmt.Errorf("short read at %d: %d bytes", off, n)
		}
		if verify {
			patternAt(want, off)
			for i := range buf {
				if buf[i] != want[i] {
					return fmt.Errorf("verify mismatch at %d", off+uint64(i))
				}
			}
		}
	}
	return nil
}
