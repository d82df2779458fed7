// Command bufdemo wires the buffering core's components into a single
// runnable process against a small embedded DASH manifest: a loader, a
// buffer store, a garbage collector, a period orchestrator, and the
// metrics/debug HTTP surface: flag/config parsing, service construction,
// a goroutine-served HTTP listener, and signal-triggered graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dashbuffer/internal/bufferstore"
	"dashbuffer/internal/debugserver"
	"dashbuffer/internal/engineconfig"
	"dashbuffer/internal/events"
	"dashbuffer/internal/gc"
	"dashbuffer/internal/loader"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/manifest"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/orchestrator"
	"dashbuffer/internal/periodbuffer"
)

// demoMPD is a small static DASH manifest: one Period, one video
// Adaptation, two Representations so a quality switch has somewhere to
// go, addressed with SegmentTemplate+SegmentTimeline (the only addressing
// mode this core's manifest package understands).
const demoMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD type="static">
  <Period id="p0" start="0">
    <AdaptationSet id="a0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.m4s" media="seg-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="4" r="9"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="r0" bandwidth="800000" codecs="avc1.64001f"/>
      <Representation id="r1" bandwidth="2500000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>
`

func main() {
	cfg, err := engineconfig.Load(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bufdemo: %v\n", err)
		os.Exit(1)
	}

	baseLog, err := logger.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bufdemo: %v\n", err)
		os.Exit(1)
	}
	// A per-run correlation ID, so log lines from this process instance can
	// be told apart from a prior run's in an aggregated log sink.
	log := baseLog.With("run_id", uuid.NewString())
	log.Infof("starting buffering core demo")

	m, err := manifest.ParseDASH([]byte(demoMPD))
	if err != nil {
		log.Errorf("failed to parse demo manifest: %v", err)
		os.Exit(1)
	}
	m.MaximumPosition = 40

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(log, bus)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	ld := loader.New(httpClient, log, "dashbuffer/bufdemo", loader.BackoffConfig{
		InitialDelay:    time.Duration(cfg.InitialBackoffDelayMS) * time.Millisecond,
		MaximumDelay:    time.Duration(cfg.MaximumBackoffDelayMS) * time.Millisecond,
		MaxRetry:        cfg.MaxRetry,
		MaxRetryOffline: cfg.MaxRetryOffline,
	})

	// Registers the engine's collectors against the default registry, which
	// debugserver's /metrics mounts via promhttp.Handler().
	engineMetrics := metrics.NewRegistered()

	store := bufferstore.New(time.Duration(cfg.SourceBufferFlushingIntervalMS)*time.Millisecond, log, engineMetrics)
	defer store.Dispose()

	collector := gc.New(store, gc.Bounds{
		MaxBehindS: cfg.MaxBufferBehindS,
		MaxAheadS:  cfg.MaxBufferAheadS,
	}, nil, log, engineMetrics)

	orch := orchestrator.New(orchestrator.Params{
		Manifest:            m,
		Types:               []events.BufferType{events.BufferVideo},
		Store:               store,
		Fetcher:             ld,
		Bus:                 bus,
		Log:                 log,
		Metrics:             engineMetrics,
		Mode:                periodbuffer.SwitchMode(cfg.ManualBitrateSwitchingMode),
		WantedBufferAheadS:  cfg.WantedBufferAheadS,
		AppendWindowEpsilon: math.Min(cfg.AppendWindowSecurityStartS, cfg.AppendWindowSecurityEndS),
	})
	orch.Start(0)

	debugAddr := fmt.Sprintf(":%d", cfg.DebugPort)
	debugSrv := debugserver.New(log, func() any {
		return map[string]any{"buffer_types": []string{string(events.BufferVideo)}}
	})

	go func() {
		log.Infof("debug server listening on %s", debugAddr)
		if err := debugSrv.ListenAndServe(debugAddr); err != nil && err != http.ErrServerClosed {
			log.Errorf("debug server exited: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driveClock(ctx, orch, collector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("bufdemo shutting down")
}

// driveClock simulates a media clock advancing once per second, ticking
// the orchestrator and garbage collector in lockstep the way a real
// playback engine's timeupdate handler would.
func driveClock(ctx context.Context, orch *orchestrator.Orchestrator, collector *gc.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var current float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.Tick(current)
			collector.Tick(current)
			current++
		}
	}
}

func logEvents(log logger.Logger, bus *events.Bus) {
	for e := range bus.Subscribe() {
		if e.Kind == events.KindWarning {
			log.Warnf("event: %s type=%s err=%v", e.Kind, e.Type, e.Err)
			continue
		}
		log.Infof("event: %s type=%s period=%s representation=%s segment=%s", e.Kind, e.Type, e.PeriodID, e.RepresentationID, e.SegmentID)
	}
}
