package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloudreg/align"
	"cloudreg/e57"
	"cloudreg/viewer"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile = flag.String("config", "", "Path to configuration file (defaults apply when empty)")

	inspectFile  = flag.String("inspect", "", "Print file structure and scan metadata, then exit")
	validateFile = flag.String("validate", "", "Run a CRC sweep over every scan's binary section, then exit")

	sourceFile = flag.String("source", "", "Source (moving) scan file")
	targetFile = flag.String("target", "", "Target (fixed) scan file")

	registerMode = flag.Bool("register", false, "Run ICP registration of source onto target and exit")
	snapshotOut  = flag.String("snapshot", "", "Write a top-view snapshot of the registered source to this file")
	resultOut    = flag.String("out", "", "Write the registration result as JSON to this file")
	footprintOut = flag.String("footprint", "", "Write the aligned scan footprints as GeoJSON to this file")
	useP2Plane   = flag.Bool("point-to-plane", false, "Use the point-to-plane ICP variant")

	httpMode = flag.Bool("http", false, "Serve the registration API over HTTP")
	mqttMode = flag.Bool("mqtt", false, "Mirror engine events to the configured MQTT broker")
)

func main() {
	flag.Parse()
	fmt.Printf("cloudreg version: %s\n", Version)

	cfg := DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("[MAIN] %v", err)
		}
	}
	if *useP2Plane {
		cfg.ICP.UsePointToPlane = true
	}

	if *inspectFile != "" {
		if err := runInspect(*inspectFile); err != nil {
			log.Fatalf("[MAIN] inspect: %v", err)
		}
		return
	}
	if *validateFile != "" {
		if err := runValidate(*validateFile); err != nil {
			log.Fatalf("[MAIN] validate: %v", err)
		}
		return
	}

	app := NewApp(cfg)
	defer app.Close()

	if *mqttMode {
		pub, err := NewEventPublisher(cfg.MQTT)
		if err != nil {
			log.Fatalf("[MAIN] %v", err)
		}
		app.AttachPublisher(pub)
	}

	if *sourceFile != "" {
		if err := app.LoadScan("source", *sourceFile); err != nil {
			log.Fatalf("[MAIN] loading source: %v", err)
		}
	}
	if *targetFile != "" {
		if err := app.LoadScan("target", *targetFile); err != nil {
			log.Fatalf("[MAIN] loading target: %v", err)
		}
	}

	if *registerMode {
		if err := runRegister(app); err != nil {
			log.Fatalf("[MAIN] register: %v", err)
		}
		return
	}

	if *httpMode {
		runHTTP(app, cfg)
		return
	}

	flag.Usage()
}

// runInspect prints the prologue and per-scan layout of one file.
func runInspect(path string) error {
	f, err := e57.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := f.Header()
	fmt.Printf("file:       %s\n", path)
	fmt.Printf("version:    %d.%d\n", h.MajorVersion, h.MinorVersion)
	fmt.Printf("length:     %d bytes\n", h.FileLength)
	fmt.Printf("xml:        offset %d, %d bytes\n", h.XMLOffset, h.XMLLength)
	fmt.Printf("scans:      %d\n", len(f.Scans()))

	for i, s := range f.Scans() {
		fmt.Printf("\nscan %d:\n", i)
		fmt.Printf("  guid:     %s\n", s.GUID)
		fmt.Printf("  name:     %s\n", s.Name)
		if s.Pose != nil {
			fmt.Printf("  pose:     q(%g %g %g %g) t(%g %g %g)\n",
				s.Pose.Rotation[0], s.Pose.Rotation[1], s.Pose.Rotation[2], s.Pose.Rotation[3],
				s.Pose.Translation[0], s.Pose.Translation[1], s.Pose.Translation[2])
		}
		fmt.Printf("  points:   %d\n", s.PointCount)
		fmt.Printf("  blob:     offset %d, %d bytes\n", s.BlobOffset, s.BlobLength)
		fmt.Printf("  codec:    %s\n", s.Codec)
		fmt.Printf("  record:   %d bits\n", s.RecordBits())
		for _, fd := range s.Fields {
			fmt.Printf("    %-12s %-13s %2d bits\n", fd.Name, fd.Kind, fd.BitWidth)
		}
	}
	return nil
}

// runValidate sweeps the binary sections and reports per-page CRC health.
func runValidate(path string) error {
	f, err := e57.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	exitBad := false
	for i := range f.Scans() {
		results, err := f.ValidateScan(i)
		if err != nil {
			return fmt.Errorf("scan %d: %w", i, err)
		}
		bad := 0
		for _, r := range results {
			if !r.Valid && !r.Partial {
				bad++
				fmt.Printf("scan %d page %d: stored=0x%08X computed=0x%08X\n",
					i, r.PageIndex, r.StoredCRC, r.ComputedCRC)
			}
		}
		fmt.Printf("scan %d: %d pages, %d corrupted\n", i, len(results), bad)
		if bad > 0 {
			exitBad = true
		}
	}

	m := f.Metrics()
	fmt.Printf("checked %d pages in %s (%.1f MB/s)\n",
		m.PagesSeen, m.Elapsed.Round(1e6), m.ThroughputMBps())
	if exitBad {
		os.Exit(1)
	}
	return nil
}

// runRegister aligns the source scan onto the target: a closed-form fit
// over the configured manual pairs when at least three are given,
// centroid pre-alignment otherwise, then ICP with recommended
// parameters.
func runRegister(app *App) error {
	src := app.Scan("source")
	tgt := app.Scan("target")
	if src == nil || tgt == nil {
		return fmt.Errorf("both -source and -target are required")
	}

	initial := align.Identity()
	if len(app.cfg.Pairs) >= 3 {
		var err error
		initial, err = align.RigidFitPairs(app.cfg.Pairs)
		if err != nil {
			return fmt.Errorf("fitting configured pairs: %w", err)
		}
		log.Printf("[MAIN] manual pre-alignment from %d configured pairs", len(app.cfg.Pairs))
	} else {
		shift := tgt.Cloud.Centroid().Sub(src.Cloud.Centroid())
		initial[3], initial[7], initial[11] = shift[0], shift[1], shift[2]
	}

	params := align.RecommendedParams(src.Cloud, tgt.Cloud)
	params.UsePointToPlane = app.cfg.ICP.UsePointToPlane

	icp := align.NewICP(params)
	icp.Progress = func(iter int, rms float64, _ align.Mat4) {
		log.Printf("[ICP] iteration %d: rms %.6f", iter, rms)
	}
	res, err := icp.Run(src.Cloud, tgt.Cloud, initial)
	if err != nil {
		return err
	}

	fmt.Printf("converged:  %v after %d iterations\n", res.Converged, res.Iterations)
	fmt.Printf("rms:        %.6f m\n", res.FinalRMS)
	fmt.Printf("transform:\n")
	for r := 0; r < 4; r++ {
		fmt.Printf("  %+.6f %+.6f %+.6f %+.6f\n",
			res.Transform[r*4], res.Transform[r*4+1], res.Transform[r*4+2], res.Transform[r*4+3])
	}

	if *snapshotOut != "" {
		opts := viewer.DefaultSnapshotOptions()
		opts.Width = app.cfg.Viewer.SnapshotWidth
		opts.Height = app.cfg.Viewer.SnapshotHeight
		if err := viewer.SaveSnapshot(*snapshotOut, src.Buffers, res.Transform, opts); err != nil {
			return err
		}
		fmt.Printf("snapshot:   %s\n", *snapshotOut)
	}

	if *resultOut != "" {
		out := struct {
			Transform  align.Mat4 `json:"transform"`
			RMS        float64    `json:"rms"`
			Iterations int        `json:"iterations"`
			Converged  bool       `json:"converged"`
			Source     string     `json:"source"`
			Target     string     `json:"target"`
		}{res.Transform, res.FinalRMS, res.Iterations, res.Converged, src.Path, tgt.Path}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*resultOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("result:     %s\n", *resultOut)
	}

	if *footprintOut != "" {
		if err := writeFootprints(*footprintOut, src, tgt, res.Transform); err != nil {
			return err
		}
		fmt.Printf("footprints: %s\n", *footprintOut)
	}
	return nil
}

// writeFootprints exports the target and aligned-source footprints as one
// GeoJSON collection.
func writeFootprints(path string, src, tgt *ScanData, t align.Mat4) error {
	aligned := &viewer.Buffers{
		Positions:   make([]float32, len(src.Buffers.Positions)),
		Colors:      src.Buffers.Colors,
		Intensities: src.Buffers.Intensities,
	}
	copy(aligned.Positions, src.Buffers.Positions)
	aligned.ApplyTransform(t)

	sf, err := viewer.FootprintFeature(scanLabel("source", src), aligned, 0.01)
	if err != nil {
		return err
	}
	tf, err := viewer.FootprintFeature(scanLabel("target", tgt), tgt.Buffers, 0.01)
	if err != nil {
		return err
	}
	data, err := viewer.FootprintCollection(sf, tf).MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// runHTTP serves the registration API until interrupted.
func runHTTP(app *App, cfg Config) {
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: newHTTPServer(app)}

	go func() {
		log.Printf("[HTTP] listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[HTTP] %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("[MAIN] shutting down")
	srv.Close()
}
