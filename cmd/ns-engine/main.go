package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"Go2NetSpectra/internal/alerter"
	"Go2NetSpectra/internal/config"
	"Go2NetSpectra/internal/engine"
	"Go2NetSpectra/internal/ingest"
	"Go2NetSpectra/internal/notification"
	"Go2NetSpectra/internal/report"
	"Go2NetSpectra/internal/snapshot"
)

// server wires an Engine to a NATS atom stream, a periodic alerter, a
// pull-scheduler alarm loop, and a scheduled ClickHouse report flush,
// replacing the teacher's StreamAggregator/manager.Manager pairing.
type server struct {
	eng            *engine.Engine
	nc             *nats.Conn
	sub            *nats.Subscription
	writer         *report.ClickHouseWriter
	snapWriter     *snapshot.Writer
	snapRoot       string
	alert          *alerter.Alerter
	subject        string
	reportInterval time.Duration

	pullTimer   *time.Timer
	pullTimerMu sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func main() {
	log.Println("Starting ns-engine...")

	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	notifier := notification.NewEmailNotifier(cfg.SMTP)
	alert, err := alerter.NewAlerter(cfg.Alerter, notifier)
	if err != nil {
		log.Fatalf("Failed to build alerter: %v", err)
	}
	eng.SetAnomalyTracker(alert)

	writer, err := report.NewClickHouseWriter(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to connect report writer: %v", err)
	}

	reportInterval := time.Minute
	if cfg.Aggregator.SnapshotInterval != "" {
		if d, err := time.ParseDuration(cfg.Aggregator.SnapshotInterval); err == nil {
			reportInterval = d
		} else {
			log.Printf("ns-engine: invalid snapshot_interval %q, defaulting to 1m: %v", cfg.Aggregator.SnapshotInterval, err)
		}
	}

	srv := &server{
		eng:            eng,
		writer:         writer,
		snapWriter:     snapshot.NewWriter(),
		snapRoot:       cfg.Aggregator.StorageRootPath,
		alert:          alert,
		subject:        cfg.Aggregator.NATSSubject,
		reportInterval: reportInterval,
		stopChan:       make(chan struct{}),
	}

	eng.PullManager().SetAlarm = srv.scheduleAlarm

	srv.Start(cfg.Aggregator.NATSUrl)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping ns-engine...")
	srv.Stop()
	log.Println("Shutdown complete.")
}

// Start connects to NATS, begins the alerter loop, and begins the
// scheduled-report flush loop, mirroring StreamAggregator.Start's
// connect-then-subscribe shape.
func (s *server) Start(natsURL string) {
	log.Println("ns-engine starting for nats:", natsURL)
	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Fatalf("ns-engine failed to connect to NATS: %v", err)
	}
	s.nc = nc

	s.sub, err = s.nc.Subscribe(s.subject, s.handleAtom)
	if err != nil {
		log.Fatalf("ns-engine failed to subscribe: %v", err)
	}
	log.Printf("ns-engine subscribed to %q", s.subject)

	go s.alert.Start()

	s.wg.Add(1)
	go s.reportLoop()
}

// Stop gracefully shuts down every running loop.
func (s *server) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.pullTimerMu.Lock()
	if s.pullTimer != nil {
		s.pullTimer.Stop()
	}
	s.pullTimerMu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.alert.Stop()

	s.flushReports(context.Background())
	s.eng.Close()
}

// handleAtom decodes a wire message and feeds it into the engine.
func (s *server) handleAtom(msg *nats.Msg) {
	a, err := ingest.Decode(msg.Data)
	if err != nil {
		log.Printf("ns-engine: failed to decode atom: %v", err)
		return
	}
	s.eng.Ingest(a)
}

// scheduleAlarm is the pullmgr.Manager.SetAlarm binding: it arms a one-shot
// timer for the next pull time, per §4.7/§9's outside-the-lock contract.
func (s *server) scheduleAlarm(nextPullNs int64) {
	delay := time.Duration(nextPullNs-nowElapsedNs()) * time.Nanosecond
	if delay < 0 {
		delay = 0
	}

	s.pullTimerMu.Lock()
	defer s.pullTimerMu.Unlock()
	if s.pullTimer != nil {
		s.pullTimer.Stop()
	}
	s.pullTimer = time.AfterFunc(delay, func() {
		now := time.Now()
		s.eng.PullManager().OnAlarmFired(context.Background(), nowElapsedNs(), now.UnixNano())
	})
}

func nowElapsedNs() int64 {
	return time.Now().UnixNano()
}

// reportLoop periodically dumps every count metric's closed buckets and
// writes them to ClickHouse, the scheduled counterpart to an on-demand API
// dump_report call.
func (s *server) reportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushReports(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

func (s *server) flushReports(ctx context.Context) {
	now := time.Now()
	reports := s.eng.DumpReports(ctx, now.UnixNano(), false, true)
	timestamp := now.UTC().Format("20060102T150405Z")
	for _, r := range reports {
		if err := s.writer.WriteCountReport(ctx, r, now); err != nil {
			log.Printf("ns-engine: failed to write report for metric %q: %v", r.MetricName, err)
		}
		if s.snapRoot == "" {
			continue
		}
		if err := s.snapWriter.Write(r, s.snapRoot, timestamp); err != nil {
			log.Printf("ns-engine: failed to snapshot report for metric %q: %v", r.MetricName, err)
		}
	}
}
