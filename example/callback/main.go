package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthiaskaw/project-smart-lab"
)

func main() {
	cfg, err := smartlab.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sink := smartlab.NewCallbackSink("stdout", func(id string, raw []string) error {
		fmt.Printf("measurement %s finished with %d lines\n", id, len(raw))
		for _, line := range raw {
			fmt.Printf("  %s\n", line)
		}
		return nil
	})

	host, err := smartlab.NewHost(cfg, smartlab.WithResultSink(sink))
	if err != nil {
		log.Fatalf("build host: %v", err)
	}
	if err := host.Start(); err != nil {
		log.Fatalf("start host: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dev := range cfg.Devices {
		id, err := host.StartMeasurement(ctx, dev.ID, "example run", nil)
		if err != nil {
			log.Printf("start measurement on %s: %v", dev.ID, err)
			continue
		}
		fmt.Printf("started measurement %s on device %s\n", id, dev.ID)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
