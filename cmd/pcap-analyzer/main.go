package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"Go2NetSpectra/internal/config"
	"Go2NetSpectra/internal/engine"
	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/report"
	"Go2NetSpectra/pkg/pcap"
)

// pcap-analyzer replays a captured pcap file through the engine offline and
// prints a final report, the batch counterpart to ns-engine's live NATS
// subscription.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: pcap-analyzer <path_to_pcap_file>")
		os.Exit(1)
	}
	pcapFilePath := os.Args[1]

	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	pcapReader, err := pcap.NewReader(pcapFilePath)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer pcapReader.Close()
	log.Printf("Reading packets from '%s'...", pcapFilePath)

	atoms := make(chan *atomdef.Atom)
	done := make(chan struct{})
	var ingested int
	go func() {
		defer close(done)
		for a := range atoms {
			eng.Ingest(a)
			ingested++
		}
	}()

	pcapReader.ReadPackets(atoms)
	close(atoms)
	<-done
	log.Printf("Finished reading all packets from pcap file; %d atoms ingested.", ingested)

	ctx := context.Background()
	now := time.Now()
	reports := eng.DumpReports(ctx, now.UnixNano(), true, true)

	writer, err := report.NewClickHouseWriter(cfg.ClickHouse)
	if err != nil {
		log.Printf("No ClickHouse sink available, printing report summary instead: %v", err)
		for _, r := range reports {
			fmt.Printf("metric %q: %d dimension keys\n", r.MetricName, len(r.Entries))
		}
		return
	}
	for _, r := range reports {
		if err := writer.WriteCountReport(ctx, r, now); err != nil {
			log.Printf("failed to write report for metric %q: %v", r.MetricName, err)
		}
	}
	log.Println("Analysis complete.")
}
