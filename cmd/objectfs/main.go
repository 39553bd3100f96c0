// Command objectfs mounts an S3 bucket as a POSIX filesystem.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/objectfs/objectfs/internal/adapter"
	"github.com/objectfs/objectfs/internal/config"
)

var (
	fStorageURI = flag.String("storage", "", "Storage URI to mount, e.g. s3://my-bucket/prefix.")
	fMountPoint = flag.String("mount", "", "Local path to mount the filesystem at.")
	fConfigFile = flag.String("config", "", "Path to a YAML configuration file. Optional; defaults are used when absent.")
	fForeground = flag.Bool("foreground", true, "Stay attached to the terminal instead of detaching after mount.")
)

func main() {
	flag.Parse()

	if *fStorageURI == "" {
		log.Fatal("you must set -storage, e.g. -storage=s3://my-bucket")
	}
	if *fMountPoint == "" {
		log.Fatal("you must set -mount")
	}

	cfg := config.NewDefault()
	if *fConfigFile != "" {
		if err := cfg.LoadFromFile(*fConfigFile); err != nil {
			log.Fatalf("failed to load config file %s: %v", *fConfigFile, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("failed to apply environment overrides: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := adapter.New(ctx, *fStorageURI, *fMountPoint, cfg)
	if err != nil {
		log.Fatalf("failed to initialize objectfs: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed to mount %s at %s: %v", *fStorageURI, *fMountPoint, err)
	}

	log.Printf("mounted %s at %s", *fStorageURI, *fMountPoint)

	if !*fForeground {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("received shutdown signal, unmounting...")
	if err := a.Stop(ctx); err != nil {
		log.Fatalf("failed to unmount cleanly: %v", err)
	}
}
