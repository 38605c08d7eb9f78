// Package main is the label3d command itself.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/camlab/label3d/calib"
	"github.com/camlab/label3d/render"
	"github.com/camlab/label3d/session"
	"github.com/camlab/label3d/skeleton"
	"github.com/camlab/label3d/video"
)

const (
	// Flags.
	flagSession   = "session"
	flagOut       = "out"
	flagRefine    = "refine"
	flagSkeleton  = "skeleton"
	flagCategory  = "category"
	flagDir       = "dir"
	flagCalib     = "calib"
	flagJoints    = "joints"
	flagThreshold = "threshold"
	flagImages    = "images"
	flagNames     = "names"

	timestampLayout = "20060102_150405"
)

func main() {
	var logger golog.Logger

	app := &cli.App{
		Name:  "label3d",
		Usage: "work with multi-camera 3D keypoint sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger = golog.NewDebugLogger("label3d")
			} else {
				logger = zap.NewNop().Sugar()
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "retriangulate",
				Usage: "recompute every world point from the current 2-D labels",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagSession,
						Required: true,
						Usage:    "session file to update",
					},
					&cli.PathFlag{
						Name:  flagOut,
						Usage: "output session file (defaults to overwriting the input)",
					},
					&cli.BoolFlag{
						Name:  flagRefine,
						Usage: "refine each linear solution by minimizing reprojection error",
					},
				},
				Action: func(c *cli.Context) error {
					snap, err := session.NewSnapshotFromFile(c.Path(flagSession))
					if err != nil {
						return err
					}
					engine, err := snap.Restore(logger)
					if err != nil {
						return err
					}
					if err := engine.RetriangulateAll(c.Context, c.Bool(flagRefine)); err != nil {
						return err
					}
					out, err := session.Capture(
						engine.Store(), snap.CameraParameters, snap.Skeleton,
						snap.FramesToLabel, time.Now().Format(timestampLayout))
					if err != nil {
						return err
					}
					outPath := c.Path(flagOut)
					if outPath == "" {
						outPath = c.Path(flagSession)
					}
					return out.WriteFile(outPath)
				},
			},
			{
				Name:  "stats",
				Usage: "print per-camera reprojection residual summaries",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagSession,
						Required: true,
						Usage:    "session file to analyze",
					},
				},
				Action: func(c *cli.Context) error {
					snap, err := session.NewSnapshotFromFile(c.Path(flagSession))
					if err != nil {
						return err
					}
					engine, err := snap.Restore(logger)
					if err != nil {
						return err
					}
					report, err := engine.ResidualReport()
					if err != nil {
						return err
					}
					for _, r := range report {
						if r.Count == 0 {
							fmt.Fprintf(c.App.Writer, "%s: no hand-labeled points with world points\n", r.Camera)
							continue
						}
						fmt.Fprintf(c.App.Writer, "%s: n=%d mean=%.2fpx median=%.2fpx max=%.2fpx\n",
							r.Camera, r.Count, r.Mean, r.Median, r.Max)
					}
					return nil
				},
			},
			{
				Name:  "export-coco",
				Usage: "export a session as a COCO keypoint detection file",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagSession,
						Required: true,
						Usage:    "session file to export",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "output COCO JSON file",
					},
					&cli.PathFlag{
						Name:  flagSkeleton,
						Usage: "single-animal skeleton JSON defining the category (defaults to the session's)",
					},
					&cli.StringFlag{
						Name:  flagCategory,
						Value: "animal",
						Usage: "COCO category name",
					},
				},
				Action: func(c *cli.Context) error {
					snap, err := session.NewSnapshotFromFile(c.Path(flagSession))
					if err != nil {
						return err
					}
					var baseSkel *skeleton.Skeleton
					if path := c.Path(flagSkeleton); path != "" {
						baseSkel, err = skeleton.NewSkeletonFromJSONFile(path)
						if err != nil {
							return err
						}
					}
					return session.WriteCOCOFile(c.Path(flagOut), snap, baseSkel, c.String(flagCategory))
				},
			},
			{
				Name:  "import-detections",
				Usage: "seed a session from per-camera 2-D prediction files",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagDir,
						Required: true,
						Usage:    "directory of Cam_*_results.json prediction files",
					},
					&cli.PathFlag{
						Name:     flagCalib,
						Required: true,
						Usage:    "camera calibration records JSON",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "output session file",
					},
					&cli.IntFlag{
						Name:     flagJoints,
						Required: true,
						Usage:    "keypoints per animal instance",
					},
					&cli.Float64Flag{
						Name:  flagThreshold,
						Value: 0.3,
						Usage: "minimum keypoint score",
					},
				},
				Action: func(c *cli.Context) error {
					det, err := session.ImportDetections(
						c.Path(flagDir), c.Int(flagJoints), c.Float64(flagThreshold), logger)
					if err != nil {
						return err
					}
					records, err := calib.NewCameraRecordsFromJSONFile(c.Path(flagCalib))
					if err != nil {
						return err
					}
					records, err = matchRecords(records, det.CameraNames)
					if err != nil {
						return err
					}
					snap, err := session.Capture(
						det.Store, records, nil, det.FrameIDs, time.Now().Format(timestampLayout))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "imported %d cameras, %d frames, %d instances\n",
						len(det.CameraNames), len(det.FrameIDs), len(det.InstanceIDs))
					return snap.WriteFile(c.Path(flagOut))
				},
			},
			{
				Name:  "import-multical",
				Usage: "convert a multical calibration into camera records",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagCalib,
						Required: true,
						Usage:    "multical calibration JSON",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "output camera records JSON",
					},
				},
				Action: func(c *cli.Context) error {
					records, err := calib.NewCameraRecordsFromMulticalFile(c.Path(flagCalib))
					if err != nil {
						return err
					}
					data, err := json.MarshalIndent(records, "", "    ")
					if err != nil {
						return errors.Wrap(err, "error encoding camera records")
					}
					fmt.Fprintf(c.App.Writer, "converted %d cameras\n", len(records))
					//nolint:gosec
					return errors.Wrap(os.WriteFile(c.Path(flagOut), data, 0o640), "error writing camera records")
				},
			},
			{
				Name:  "render",
				Usage: "draw label overlays onto extracted frame images",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagSession,
						Required: true,
						Usage:    "session file to render",
					},
					&cli.StringSliceFlag{
						Name:     flagImages,
						Required: true,
						Usage:    "frame image directory per camera, in session camera order",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "output directory for overlay PNGs",
					},
					&cli.BoolFlag{
						Name:  flagNames,
						Usage: "draw joint names next to markers",
					},
				},
				Action: func(c *cli.Context) error {
					return renderOverlays(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// matchRecords lines calibration records up with the prediction files'
// camera names, by record name when possible and positionally otherwise.
func matchRecords(records []calib.CameraRecord, names []string) ([]calib.CameraRecord, error) {
	if len(records) < len(names) {
		return nil, errors.Errorf("%d calibration records for %d cameras", len(records), len(names))
	}
	byName := make(map[string]calib.CameraRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	matched := make([]calib.CameraRecord, len(names))
	for i, name := range names {
		rec, ok := byName[name]
		if !ok {
			if len(records) != len(names) {
				return nil, errors.Errorf("no calibration record named %q", name)
			}
			rec = records[i]
			rec.Name = name
		}
		matched[i] = rec
	}
	return matched, nil
}

func renderOverlays(c *cli.Context, logger golog.Logger) error {
	snap, err := session.NewSnapshotFromFile(c.Path(flagSession))
	if err != nil {
		return err
	}
	engine, err := snap.Restore(logger)
	if err != nil {
		return err
	}
	store := engine.Store()
	_, nCams, nFrames := store.Dims()

	dirs := c.StringSlice(flagImages)
	if len(dirs) != nCams {
		return errors.Errorf("%d image directories for %d cameras", len(dirs), nCams)
	}
	src, err := video.NewImageDir(dirs)
	if err != nil {
		return err
	}
	if src.Frames() < nFrames {
		logger.Warnw("image directories are short on frames",
			"have", src.Frames(), "want", nFrames)
		nFrames = src.Frames()
	}

	outDir := c.Path(flagOut)
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return errors.Wrap(err, "error creating output directory")
	}
	overlay := &render.Overlay{Skeleton: snap.Skeleton, JointNames: c.Bool(flagNames)}

	for frame := 0; frame < nFrames; frame++ {
		originalFrame := frame + 1
		if len(snap.FramesToLabel) == len(snap.Status[0][0]) {
			originalFrame = snap.FramesToLabel[frame]
		}
		for cam := 0; cam < nCams; cam++ {
			img, err := src.Frame(cam, frame)
			if err != nil {
				return err
			}
			camName := fmt.Sprintf("Cam_%d", cam+1)
			if cam < len(snap.CameraNames) && snap.CameraNames[cam] != "" {
				camName = snap.CameraNames[cam]
			}
			out := filepath.Join(outDir, fmt.Sprintf("%s_frame_%06d.png", camName, originalFrame))
			if err := overlay.DrawToFile(out, img, store, cam, frame); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(c.App.Writer, "rendered %d overlays into %s\n", nFrames*nCams, outDir)
	return nil
}
