// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command castore is the content-addressed storage transfer tool:
// local block-stream compression, cas-key hashing, and the
// client/server sides of the segmented transfer protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/castore/lib/blockio"
	"github.com/bureau-foundation/castore/lib/bufpool"
	"github.com/bureau-foundation/castore/lib/caskey"
	"github.com/bureau-foundation/castore/lib/config"
	"github.com/bureau-foundation/castore/lib/transfer"
	"github.com/bureau-foundation/castore/lib/workpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing subcommand")
	}

	switch os.Args[1] {
	case "hash":
		return runHash(os.Args[2:])
	case "compress":
		return runCompress(os.Args[2:])
	case "decompress":
		return runDecompress(os.Args[2:])
	case "serve":
		return runServe(os.Args[2:])
	case "store":
		return runStore(os.Args[2:])
	case "fetch":
		return runFetch(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: castore <command> [flags]

commands:
  hash        compute the cas key of a file
  compress    compress a file to a block stream
  decompress  restore a file from a block stream
  serve       run a transfer server
  store       upload a file to a transfer server
  fetch       download a blob from a transfer server

run "castore <command> --help" for command flags
`)
}

// engine bundles the shared pools and configuration of a command.
type engine struct {
	cfg     config.Config
	slots   *bufpool.Pool
	workers *workpool.Pool
	logger  *slog.Logger
}

func newEngine(cfg config.Config, verbose bool) *engine {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return &engine{
		cfg:     cfg,
		slots:   bufpool.New(cfg.SlotCount, cfg.SlotSize),
		workers: workpool.New(cfg.Workers),
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})),
	}
}

func (e *engine) close() {
	e.workers.Close()
}

// commonFlags defines the flags every subcommand shares and returns
// the flag set plus accessors for the parsed values.
func commonFlags(name string) (*pflag.FlagSet, *string, *bool) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to YAML configuration file")
	verbose := flagSet.BoolP("verbose", "v", false, "enable debug logging")
	return flagSet, configPath, verbose
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parse(flagSet *pflag.FlagSet, args []string, positional int) ([]string, error) {
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	rest := flagSet.Args()
	if len(rest) != positional {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", flagSet.Name(), positional, len(rest))
	}
	return rest, nil
}

func runHash(args []string) error {
	flagSet, configPath, verbose := commonFlags("hash")
	compressed := flagSet.Bool("compressed", false, "compute the stored-compressed key variant")
	rest, err := parse(flagSet, args, 1)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	data, err := os.ReadFile(rest[0])
	if err != nil {
		return err
	}
	key := caskey.Calculate(data, *compressed, e.workers)
	fmt.Println(key)
	return nil
}

func runCompress(args []string) error {
	flagSet, configPath, verbose := commonFlags("compress")
	rest, err := parse(flagSet, args, 2)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	src, err := os.Open(rest[0])
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.Create(rest[1])
	if err != nil {
		return err
	}
	defer dst.Close()

	compressor := blockio.NewCompressor(blockio.CompressorOptions{
		Codec:   blockio.Lookup(cfg.Codec),
		Slots:   e.slots,
		Workers: e.workers,
		Logger:  e.logger,
	})
	written, err := compressor.CompressFile(blockio.NewFileWriter(dst), src, info.Size())
	if err != nil {
		return err
	}
	e.logger.Info("compressed", "from", rest[0], "to", rest[1],
		"raw_bytes", info.Size(), "wire_bytes", written)
	return nil
}

func runDecompress(args []string) error {
	flagSet, configPath, verbose := commonFlags("decompress")
	rest, err := parse(flagSet, args, 2)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	src, err := os.Open(rest[0])
	if err != nil {
		return err
	}
	defer src.Close()

	var header [blockio.StreamHeaderSize]byte
	if _, err := src.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("reading stream header of %s: %w", rest[0], err)
	}
	size, err := blockio.StreamSize(header[:])
	if err != nil {
		return err
	}

	decompressor := blockio.NewDecompressor(blockio.DecompressorOptions{
		Codec:   blockio.Lookup(cfg.Codec),
		Slots:   e.slots,
		Workers: e.workers,
		Logger:  e.logger,
	})
	out := make([]byte, size)
	if err := decompressor.DecompressFile(out, src); err != nil {
		return err
	}
	if err := os.WriteFile(rest[1], out, 0o644); err != nil {
		return err
	}
	e.logger.Info("decompressed", "from", rest[0], "to", rest[1], "raw_bytes", size)
	return nil
}

func runServe(args []string) error {
	flagSet, configPath, verbose := commonFlags("serve")
	listen := flagSet.String("listen", ":7905", "TCP listen address")
	if _, err := parse(flagSet, args, 0); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	service := transfer.NewService(transfer.ServiceOptions{
		Logger:         e.logger,
		MaxMessageSize: cfg.MaxMessageSize,
		SendEnd:        cfg.SendEnd,
	})

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *listen, err)
	}
	e.logger.Info("serving", "address", listener.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return transfer.Serve(ctx, listener, service, transfer.TCPOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         e.logger,
	})
}

func runStore(args []string) error {
	flagSet, configPath, verbose := commonFlags("store")
	addr := flagSet.String("addr", "localhost:7905", "server address")
	raw := flagSet.Bool("raw", false, "upload without compression")
	rest, err := parse(flagSet, args, 1)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	data, err := os.ReadFile(rest[0])
	if err != nil {
		return err
	}

	transport, err := transfer.DialTCP(*addr, transfer.TCPOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	var stats transfer.Stats
	sender := transfer.NewSender(transfer.SenderOptions{
		Transport:     transport,
		Slots:         e.slots,
		Workers:       e.workers,
		CodecName:     cfg.Codec,
		OneBigAtATime: cfg.OneBigUpload,
		Logger:        e.logger,
		Stats:         &stats,
	})

	key := caskey.Calculate(data, !*raw, e.workers)
	if *raw {
		err = sender.Send(key, data, rest[0])
	} else {
		err = sender.SendCompressed(key, data, rest[0])
	}
	if err != nil {
		return err
	}
	e.logger.Info("stored", "key", key,
		"raw_bytes", stats.SendBytesRaw.Load(), "wire_bytes", stats.SendBytesWire.Load(),
		"deduped", stats.SendDeduped.Load())
	fmt.Println(key)
	return nil
}

func runFetch(args []string) error {
	flagSet, configPath, verbose := commonFlags("fetch")
	addr := flagSet.String("addr", "localhost:7905", "server address")
	mapped := flagSet.Bool("mapped", false, "write through a memory mapping")
	keepCompressed := flagSet.Bool("compressed", false, "keep the compressed block stream instead of decoding")
	rest, err := parse(flagSet, args, 2)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	e := newEngine(cfg, *verbose)
	defer e.close()

	key, err := caskey.Parse(rest[0])
	if err != nil {
		return err
	}

	transport, err := transfer.DialTCP(*addr, transfer.TCPOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	var stats transfer.Stats
	fetcher := transfer.NewFetcher(transfer.FetcherOptions{
		Transport: transport,
		Slots:     e.slots,
		Workers:   e.workers,
		CodecName: cfg.Codec,
		Logger:    e.logger,
		Stats:     &stats,
	})

	dest := transfer.FileDestination{
		Path:       rest[1],
		Mapped:     *mapped,
		AsyncUnmap: cfg.AsyncUnmap,
		Workers:    e.workers,
	}
	err = fetcher.Retrieve(key, dest, transfer.RetrieveOptions{
		WriteCompressed: *keepCompressed,
		Hint:            rest[1],
	})
	if err != nil {
		return err
	}
	e.logger.Info("fetched", "key", key, "to", rest[1],
		"wire_bytes", stats.RecvBytesWire.Load(), "raw_bytes", stats.RecvBytesRaw.Load())
	return nil
}
