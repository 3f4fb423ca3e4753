package main

import (
	"fmt"
	"log"
	"sync"

	"cloudreg/align"
	"cloudreg/e57"
	"cloudreg/viewer"
)

// ScanData is one loaded scan: decoded points plus the display structures
// derived from them.
type ScanData struct {
	Path    string
	GUID    string
	Name    string
	Buffers *viewer.Buffers
	Cloud   *align.PointCloud
	Octree  *viewer.Octree
	Skipped uint64
	Metrics e57.PageMetrics
}

// App owns the loaded scans, the alignment engine and the optional event
// publisher.
type App struct {
	cfg    Config
	engine *align.Engine
	pub    *EventPublisher

	mu     sync.RWMutex
	source *ScanData
	target *ScanData
}

// NewApp builds the app around an engine whose callbacks log and, when a
// publisher is attached, mirror events to MQTT.
func NewApp(cfg Config) *App {
	a := &App{cfg: cfg}
	a.engine = align.NewEngine(align.EngineCallbacks{
		CorrespondencesChanged: func(n int) {
			log.Printf("[ENGINE] correspondences: %d", n)
			a.publish("correspondences", map[string]int{"count": n})
		},
		StateChanged: func(s align.EngineState, msg string) {
			log.Printf("[ENGINE] state %s: %s", s, msg)
			a.publish("alignment/state", map[string]string{"state": s.String(), "message": msg})
		},
		TransformUpdated: func(t align.Mat4) {
			a.publish("alignment/transform", t)
		},
		QualityUpdated: func(stats align.ErrorStats) {
			a.publish("alignment/quality", stats)
		},
		ResultUpdated: func(res align.AlignmentResult) {
			a.publish("alignment/result", res)
		},
		ICPStarted: func() {
			log.Printf("[ENGINE] icp started")
			a.publish("icp/started", struct{}{})
		},
		ICPProgress: func(iter int, rms float64, t align.Mat4) {
			a.publish("icp/progress", map[string]any{"iteration": iter, "rms": rms, "transform": t})
		},
		ICPFinished: func(res align.ICPResult) {
			log.Printf("[ENGINE] icp finished: %d iterations, rms %.6f", res.Iterations, res.FinalRMS)
			a.publish("icp/finished", map[string]any{
				"iterations": res.Iterations,
				"rms":        res.FinalRMS,
				"converged":  res.Converged,
				"cancelled":  res.Cancelled,
			})
		},
	})
	a.engine.SetQualityThresholds(align.QualityThresholds{
		RMS: cfg.Quality.RMSLimit,
		Max: cfg.Quality.MaxLimit,
	})
	return a
}

// AttachPublisher mirrors engine events to MQTT.
func (a *App) AttachPublisher(pub *EventPublisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pub = pub
}

func (a *App) publish(topic string, payload any) {
	a.mu.RLock()
	pub := a.pub
	a.mu.RUnlock()
	if pub != nil {
		pub.Publish(topic, payload)
	}
}

// Engine exposes the alignment engine for handlers.
func (a *App) Engine() *align.Engine { return a.engine }

// LoadScan decodes scan 0 of path into the named slot ("source" or
// "target"). Once both slots are filled the clouds go to the engine.
func (a *App) LoadScan(role, path string) error {
	f, err := e57.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scans := f.Scans()
	if len(scans) == 0 {
		return fmt.Errorf("%s holds no scans", path)
	}

	res, err := f.ReadScan(0)
	if err != nil {
		return err
	}

	buf := viewer.BuildBuffers(res)
	sd := &ScanData{
		Path:    path,
		GUID:    scans[0].GUID,
		Name:    scans[0].Name,
		Buffers: buf,
		Cloud:   buf.Cloud(),
		Octree:  viewer.BuildOctree(buf, a.cfg.Viewer.OctreeDepth, a.cfg.Viewer.OctreeLeafCap),
		Skipped: res.Skipped,
		Metrics: f.Metrics(),
	}
	if a.cfg.ICP.UsePointToPlane && role == "target" {
		align.EstimateNormals(sd.Cloud, 12)
	}

	a.mu.Lock()
	switch role {
	case "source":
		a.source = sd
	case "target":
		a.target = sd
	default:
		a.mu.Unlock()
		return fmt.Errorf("unknown scan role %q", role)
	}
	src, tgt := a.source, a.target
	a.mu.Unlock()

	log.Printf("[APP] loaded %s scan %s: %d points (%d skipped)",
		role, path, buf.Count(), res.Skipped)

	if src != nil && tgt != nil {
		a.engine.SetClouds(src.Cloud, tgt.Cloud)
	}
	return nil
}

// Scan returns the loaded scan for a role, or nil.
func (a *App) Scan(role string) *ScanData {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch role {
	case "source":
		return a.source
	case "target":
		return a.target
	}
	return nil
}

// ICPParams returns the configured parameters, or recommendations derived
// from the loaded clouds when requested.
func (a *App) ICPParams(recommended bool) align.ICPParams {
	a.mu.RLock()
	src, tgt := a.source, a.target
	a.mu.RUnlock()
	if recommended && src != nil && tgt != nil {
		p := align.RecommendedParams(src.Cloud, tgt.Cloud)
		p.UsePointToPlane = a.cfg.ICP.UsePointToPlane
		return p
	}
	return a.cfg.ICP
}

// Close shuts the engine and publisher down.
func (a *App) Close() {
	a.engine.Close()
	a.mu.Lock()
	pub := a.pub
	a.pub = nil
	a.mu.Unlock()
	if pub != nil {
		pub.Close()
	}
}
