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

	sink, results, closeResults := smartlab.NewChannelSink("fanout", 32)
	defer closeResults()

	go fanoutWorker("ingest", results)

	host, err := smartlab.NewHost(cfg, smartlab.WithResultSink(sink))
	if err != nil {
		log.Fatalf("build host: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := host.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, results <-chan smartlab.Result) {
	for res := range results {
		fmt.Printf("[%s] measurement %s delivered %d lines at %s\n",
			name, res.MeasurementID, len(res.RawData), time.Now().Format(time.RFC3339))
	}
}
