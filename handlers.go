package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"

	"cloudreg/align"
	"cloudreg/viewer"
)

// newHTTPServer wires every endpoint onto a mux.
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasSource bool      `json:"hasSource"`
			HasTarget bool      `json:"hasTarget"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasSource: app.Scan("source") != nil,
			HasTarget: app.Scan("target") != nil,
		})
	})

	// Engine status and current result
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		res := app.Engine().Result()
		writeJSON(w, struct {
			State              string            `json:"state"`
			Correspondences    int               `json:"correspondences"`
			Transform          align.Mat4        `json:"transform"`
			Stats              align.ErrorStats  `json:"stats"`
			Quality            string            `json:"quality"`
			PoorQuality        bool              `json:"poorQuality"`
			FromICP            bool              `json:"fromIcp"`
			ImprovementPercent float64           `json:"improvementPercent"`
			Scans              map[string]string `json:"scans"`
		}{
			State:              app.Engine().State().String(),
			Correspondences:    len(app.Engine().Correspondences()),
			Transform:          res.Transform,
			Stats:              res.Stats,
			Quality:            res.Stats.Quality().String(),
			PoorQuality:        res.PoorQuality,
			FromICP:            res.FromICP,
			ImprovementPercent: res.ImprovementPercent,
			Scans:              scanPaths(app),
		})
	})

	// Correspondence management
	mux.HandleFunc("/api/correspondences", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, app.Engine().Correspondences())
		case http.MethodPost:
			var pair align.PointPair
			if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
				http.Error(w, fmt.Sprintf("bad pair: %v", err), http.StatusBadRequest)
				return
			}
			app.Engine().AddCorrespondence(pair)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			app.Engine().ClearCorrespondences()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// ICP refinement, running in the background
	mux.HandleFunc("/api/icp/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		recommended := r.URL.Query().Get("recommended") == "true"
		params := app.ICPParams(recommended)
		go func() {
			if _, err := app.Engine().RunICP(params); err != nil {
				log.Printf("[HTTP] icp run: %v", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, params)
	})

	mux.HandleFunc("/api/icp/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		app.Engine().CancelICP()
		w.WriteHeader(http.StatusAccepted)
	})

	// Top view snapshot of a loaded scan, aligned when requested
	mux.HandleFunc("/snapshot.png", func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("scan")
		if role == "" {
			role = "source"
		}
		sd := app.Scan(role)
		if sd == nil {
			http.Error(w, "scan not loaded", http.StatusServiceUnavailable)
			return
		}

		t := align.Identity()
		if role == "source" && r.URL.Query().Get("aligned") == "true" {
			t = app.Engine().Result().Transform
		}

		opts := viewer.DefaultSnapshotOptions()
		opts.Width = app.cfg.Viewer.SnapshotWidth
		opts.Height = app.cfg.Viewer.SnapshotHeight

		// Renderer output goes through a temp file; the canvas writer
		// picks its encoder from the extension.
		tmp := filepath.Join(os.TempDir(), fmt.Sprintf("cloudreg-snap-%d.png", time.Now().UnixNano()))
		defer os.Remove(tmp)
		if err := viewer.SaveSnapshot(tmp, sd.Buffers, t, opts); err != nil {
			log.Printf("[HTTP] snapshot: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, tmp)
	})

	// Fast raster preview, encoded straight to the response
	mux.HandleFunc("/preview.png", func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("scan")
		if role == "" {
			role = "source"
		}
		sd := app.Scan(role)
		if sd == nil {
			http.Error(w, "scan not loaded", http.StatusServiceUnavailable)
			return
		}

		t := align.Identity()
		if role == "source" && r.URL.Query().Get("aligned") == "true" {
			t = app.Engine().Result().Transform
		}

		opts := viewer.DefaultPreviewOptions()
		opts.Label = fmt.Sprintf("%s (%d points)", scanLabel(role, sd), sd.Buffers.Count())
		img, err := viewer.RenderPreview(sd.Buffers, t, opts)
		if err != nil {
			log.Printf("[HTTP] preview: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img); err != nil {
			log.Printf("[HTTP] preview encode: %v", err)
		}
	})

	// Scan footprints as GeoJSON
	mux.HandleFunc("/footprints.geojson", func(w http.ResponseWriter, r *http.Request) {
		var features []*geojson.Feature
		for _, role := range []string{"source", "target"} {
			sd := app.Scan(role)
			if sd == nil {
				continue
			}
			f, err := viewer.FootprintFeature(scanLabel(role, sd), sd.Buffers, 0.01)
			if err != nil {
				log.Printf("[HTTP] footprint %s: %v", role, err)
				continue
			}
			features = append(features, f)
		}
		if len(features) == 0 {
			http.Error(w, "no footprints available", http.StatusServiceUnavailable)
			return
		}
		fc := viewer.FootprintCollection(features...)
		data, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(data)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encoding response: %v", err)
	}
}

func scanPaths(app *App) map[string]string {
	out := map[string]string{}
	for _, role := range []string{"source", "target"} {
		if sd := app.Scan(role); sd != nil {
			out[role] = sd.Path
		}
	}
	return out
}

func scanLabel(role string, sd *ScanData) string {
	if sd.Name != "" {
		return sd.Name
	}
	return role
}
