package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/nats-io/nats.go"

	"Go2NetSpectra/internal/engine/protocol"
	"Go2NetSpectra/internal/ingest"
)

const (
	natsURL     = nats.DefaultURL
	natsSubject = "gons.atoms.raw"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
	timeout           = pcap.BlockForever
)

func main() {
	iface := flag.String("iface", "", "Interface to capture packets from.")
	flag.Parse()

	if *iface == "" {
		fmt.Fprintln(os.Stderr, "Error: -iface flag is required.")
		flag.Usage()
		os.Exit(1)
	}

	log.Printf("Starting ns-probe, capturing on interface: %s", *iface)

	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Drain()

	handle, err := pcap.OpenLive(*iface, snapshotLen, promiscuous, timeout)
	if err != nil {
		log.Fatalf("Error opening device %s: %v", *iface, err)
	}
	defer handle.Close()

	log.Println("Capture started successfully. Publishing atoms to NATS...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		published := 0
		for packet := range packetSource.Packets() {
			a, err := protocol.ParsePacket(packet.Data())
			if err != nil {
				continue
			}
			data, err := ingest.Encode(a)
			if err != nil {
				log.Printf("Failed to encode atom: %v", err)
				continue
			}
			if err := nc.Publish(natsSubject, data); err != nil {
				log.Printf("Failed to publish atom: %v", err)
				continue
			}
			published++
			if published%1000 == 0 {
				log.Printf("%d atoms published...", published)
			}
		}
	}()

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
}
