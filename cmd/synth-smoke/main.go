// Command synth-smoke renders a synthetic stereo scene and runs prepare and
// compute on it end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"stereodsm/internal/config"
	"stereodsm/internal/logging"
	"stereodsm/internal/pipeline"
	"stereodsm/internal/storage"
	"stereodsm/internal/synth"
)

func main() {
	dir := flag.String("dir", "", "working directory (default: a temporary directory)")
	mode := flag.String("mode", "local", "execution backend (sequential|local|cluster)")
	flag.Parse()

	work := *dir
	if work == "" {
		tmp, err := os.MkdirTemp("", "stereodsm-smoke-")
		if err != nil {
			log.Fatal("Failed to create working directory:", err)
		}
		work = tmp
	}

	cfg := config.Default()
	cfg.Prepare.EpipolarStep = 10
	cfg.Prepare.RegionSize = 100
	cfg.Prepare.ElevationDeltaLowerBound = -100
	cfg.Prepare.ElevationDeltaUpperBound = 200
	cfg.Prepare.MinMatches = 50
	cfg.Sparse.CellSize = 8
	cfg.Dense.TileSize = 64
	cfg.Orchestrator.Mode = *mode
	cfg.Logging.FileOutput = true

	store, err := storage.New(filepath.Join(work, "smoke.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	scene := synth.Default()
	scene.RightError = [2]float64{0, 1}
	input, err := synth.Write(filepath.Join(work, "scene"), scene)
	if err != nil {
		log.Fatal("Failed to render scene:", err)
	}
	fmt.Printf("Scene written: %s\n", input)

	d := pipeline.NewDriver(cfg, logging.New("info", "text"), store, nil)
	ctx := context.Background()
	prep, err := d.Prepare(ctx, input, filepath.Join(work, "prepare"))
	if err != nil {
		log.Fatal("Prepare failed:", err)
	}
	if prep.Stopped != "" {
		log.Fatal("Prepare stopped: ", prep.Stopped)
	}
	out := prep.Content.Preprocessing.Output
	fmt.Printf("Prepare: disparity [%.2f, %.2f], rms %.3f -> %.3f\n",
		out.MinimumDisparity, out.MaximumDisparity, out.StatsBefore.RMS, out.StatsAfter.RMS)

	res, err := d.Compute(ctx, prep.ContentPath, filepath.Join(work, "compute"))
	if err != nil {
		log.Fatal("Compute failed:", err)
	}
	fmt.Printf("Compute: %d points from %d tiles\n", res.Content.Output.Points, res.Content.Output.Tiles)

	runs, err := store.RecentRuns(10)
	if err != nil {
		log.Fatal("Failed to list runs:", err)
	}
	for _, r := range runs {
		fmt.Printf("  %s %-8s %s\n", r.ID, r.Command, r.Status)
	}
	fmt.Printf("Outputs in %s\n", work)
}
