// Command mtrdemo drives the multithreaded recording pipeline for a number
// of frames and prints the resulting statistics.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogpu/deferred"
	"github.com/gogpu/deferred/backend"
	"github.com/gogpu/deferred/backend/software"
	"github.com/gogpu/deferred/gpucore"
	"github.com/gogpu/deferred/jobs"
	"github.com/gogpu/deferred/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const vertexBytes = 256

func main() {
	var (
		frames      = flag.Int("frames", 120, "number of frames to run")
		jobCount    = flag.Int("jobs", 8, "deferred jobs per frame")
		workers     = flag.Int("workers", deferred.DefaultWorkers, "recording workers")
		latency     = flag.Duration("latency", 2*time.Millisecond, "simulated GPU latency (software backend)")
		backendName = flag.String("backend", backend.BackendSoftware, "device backend: software, native or auto")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
		verbose     = flag.Bool("v", false, "log per-frame diagnostics")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	deferred.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dev, err := openDevice(*backendName, *latency)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Close()

	r, err := deferred.New(dev,
		deferred.WithWorkers(*workers),
		deferred.WithJobSlots(max(*jobCount, *workers)),
	)
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}
	defer func() { _ = r.Close() }()

	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, r)
	}

	scratch, err := dev.CreateBuffer(gpucore.BufferDescriptor{
		Label: "mtrdemo-scratch",
		Size:  uint64(*jobCount) * vertexBytes,
		Usage: gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		log.Fatalf("Failed to create scratch buffer: %v", err)
	}
	defer scratch.Destroy()

	start := time.Now()
	for f := range *frames {
		if err := runFrame(r, scratch, f, *jobCount); err != nil {
			log.Fatalf("Frame %d: %v", f, err)
		}
	}
	elapsed := time.Since(start)

	if err := printReport(os.Stdout, r.Stats(), elapsed); err != nil {
		log.Printf("Failed to print report: %v", err)
	}

	if *metricsAddr != "" {
		log.Printf("Serving metrics on %s, press Ctrl+C to exit", *metricsAddr)
		select {}
	}
}

// openDevice opens the requested backend. The software backend is created
// directly so that the simulated latency applies.
func openDevice(name string, latency time.Duration) (*backend.Device, error) {
	switch name {
	case backend.BackendSoftware:
		return backend.NewDevice(name, software.NewDevice(software.WithLatency(latency)), nil), nil
	case "auto":
		return backend.OpenDefault()
	}

	// Adapters can be briefly unavailable right after a device loss.
	var dev *backend.Device
	op := func() error {
		d, err := backend.Open(name)
		if errors.Is(err, backend.ErrBackendNotAvailable) && !backend.IsRegistered(name) {
			return backoff.Permanent(err)
		}
		dev = d
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return dev, nil
}

// runFrame maps per-job vertex and constant data, records one copy job per
// block and executes the jobs in submission order.
func runFrame(r *deferred.Renderer, scratch gpucore.Buffer, frameIdx, jobCount int) error {
	handles := make([]deferred.Handle, 0, jobCount)
	for j := range jobCount {
		vb, err := r.MapDynamicBuffer(vertexBytes)
		if err != nil {
			return fmt.Errorf("map vertices: %w", err)
		}
		for i := 0; i+8 <= len(vb.Data); i += 8 {
			binary.LittleEndian.PutUint32(vb.Data[i:], uint32(frameIdx))
			binary.LittleEndian.PutUint32(vb.Data[i+4:], uint32(j))
		}

		// Alternate between small-pool and ring-sized constant blocks.
		size := uint64(16)
		if j%2 == 1 {
			size = 96
		}
		cb, err := r.MapConstantBuffer(size, j%2)
		if err != nil {
			return fmt.Errorf("map constants: %w", err)
		}
		binary.LittleEndian.PutUint64(cb.Data, uint64(frameIdx))
		if err := r.UnmapConstantBuffer(cb); err != nil {
			return fmt.Errorf("unmap constants: %w", err)
		}

		dstOffset := uint64(j) * vertexBytes
		h, err := r.RenderDeferred(func(rec *jobs.Recorder, srcOffset uint64, n uint32) {
			rec.Context().CopyBuffer(scratch, dstOffset, vb.Buffer, srcOffset, uint64(n))
		}, vb.Offset, vertexBytes, deferred.RecordCommands)
		if err != nil {
			return fmt.Errorf("submit job %d: %w", j, err)
		}
		handles = append(handles, h)
	}

	if err := r.UnmapDynamicBuffer(); err != nil {
		return fmt.Errorf("unmap vertices: %w", err)
	}

	var errs []error
	for _, h := range handles {
		if err := r.WaitDeferred(h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.NewFrame(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func serveMetrics(addr string, r *deferred.Renderer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(r, "mtr"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server stopped", "err", err)
		}
	}()
}
