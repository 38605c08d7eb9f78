package session

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/camlab/label3d/label"
)

var (
	detectionsCameraRe = regexp.MustCompile(`(Cam_\d+)_results\.json$`)
	frameNumberRe      = regexp.MustCompile(`(?i)frame_(\d+)\.(?:png|jpg|jpeg|bmp|tiff)$`)
	bareNumberRe       = regexp.MustCompile(`(?i)(\d+)\.(?:png|jpg|jpeg|bmp|tiff)$`)
)

// instanceID tolerates numeric and string instance ids in prediction files.
type instanceID string

func (id *instanceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = instanceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = instanceID(n.String())
	return nil
}

// detectionsDocument accepts both per-video (instance_info, frame ids
// explicit) and per-image (image_predictions, frame ids in file names)
// prediction layouts.
type detectionsDocument struct {
	InstanceInfo     []detectionFrame `json:"instance_info"`
	ImagePredictions []detectionFrame `json:"image_predictions"`
}

func (d *detectionsDocument) frames() []detectionFrame {
	if d.InstanceInfo != nil {
		return d.InstanceInfo
	}
	return d.ImagePredictions
}

type detectionFrame struct {
	FrameID   *int                `json:"frame_id"`
	ImagePath string              `json:"image_path"`
	Instances []detectionInstance `json:"instances"`
}

func (f *detectionFrame) frameID() (int, bool) {
	if f.FrameID != nil {
		return *f.FrameID, true
	}
	return parseFrameNumber(f.ImagePath)
}

type detectionInstance struct {
	InstanceID *instanceID `json:"instance_id"`
	Keypoints  [][]float64 `json:"keypoints"`
	Scores     []float64   `json:"keypoint_scores"`
}

// parseFrameNumber extracts the frame id from an image file name like
// frame_000123.png, falling back to any trailing number before the
// extension.
func parseFrameNumber(path string) (int, bool) {
	base := filepath.Base(path)
	for _, re := range []*regexp.Regexp{frameNumberRe, bareNumberRe} {
		if m := re.FindStringSubmatch(base); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

// Detections is the aggregate of per-camera 2-D predictions: a store with
// every scoring keypoint as an Initialized observation, one animal block
// per tracked instance, and the mappings from store axes back to the
// cameras, original frame ids and instance ids they came from.
type Detections struct {
	Store       *label.Store
	CameraNames []string
	FrameIDs    []int
	InstanceIDs []string
}

// ImportDetections aggregates every Cam_*_results.json prediction file in a
// directory into one store. Keypoints scoring below scoreThreshold are
// dropped; predictions without scores pass. Cameras whose file cannot be
// parsed are skipped with a warning, and the import fails only when no
// camera survives.
func ImportDetections(dir string, jointsPerInstance int, scoreThreshold float64, logger golog.Logger) (*Detections, error) {
	if jointsPerInstance < 1 {
		return nil, errors.Errorf("jointsPerInstance must be positive, got %d", jointsPerInstance)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "Cam_*_results.json"))
	if err != nil {
		return nil, errors.Wrap(err, "error listing prediction files")
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no Cam_*_results.json files found in %s", dir)
	}

	var cameraNames []string
	var docs []*detectionsDocument
	var loadErrs error
	for _, path := range paths {
		m := detectionsCameraRe.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		//nolint:gosec
		data, err := os.ReadFile(path)
		if err == nil {
			var doc detectionsDocument
			err = json.Unmarshal(data, &doc)
			if err == nil {
				cameraNames = append(cameraNames, m[1])
				docs = append(docs, &doc)
				continue
			}
		}
		logger.Warnw("skipping unreadable prediction file", "path", path, "error", err)
		loadErrs = multierr.Append(loadErrs, errors.Wrap(err, path))
	}
	if len(docs) == 0 {
		return nil, errors.Wrap(loadErrs, "no prediction file could be parsed")
	}

	frameSet := map[int]bool{}
	instanceSet := map[string]bool{}
	for _, doc := range docs {
		for _, fr := range doc.frames() {
			if id, ok := fr.frameID(); ok {
				frameSet[id] = true
			}
			for _, inst := range fr.Instances {
				if inst.InstanceID != nil {
					instanceSet[string(*inst.InstanceID)] = true
				}
			}
		}
	}
	if len(frameSet) == 0 {
		return nil, errors.New("no frames found across prediction files")
	}
	if len(instanceSet) == 0 {
		return nil, errors.New("no instances with instance_id found across prediction files")
	}

	frameIDs := make([]int, 0, len(frameSet))
	for id := range frameSet {
		frameIDs = append(frameIDs, id)
	}
	sort.Ints(frameIDs)
	frameSlot := make(map[int]int, len(frameIDs))
	for i, id := range frameIDs {
		frameSlot[id] = i
	}
	instanceIDs := make([]string, 0, len(instanceSet))
	for id := range instanceSet {
		instanceIDs = append(instanceIDs, id)
	}
	sort.Strings(instanceIDs)
	instanceSlot := make(map[string]int, len(instanceIDs))
	for i, id := range instanceIDs {
		instanceSlot[id] = i
	}

	store, err := label.NewStore(len(instanceIDs)*jointsPerInstance, len(docs), len(frameIDs), len(instanceIDs))
	if err != nil {
		return nil, err
	}
	for cam, doc := range docs {
		for _, fr := range doc.frames() {
			id, ok := fr.frameID()
			if !ok {
				continue
			}
			frame, ok := frameSlot[id]
			if !ok {
				continue
			}
			for _, inst := range fr.Instances {
				if inst.InstanceID == nil {
					continue
				}
				slot, ok := instanceSlot[string(*inst.InstanceID)]
				if !ok {
					continue
				}
				if len(inst.Keypoints) != jointsPerInstance ||
					(len(inst.Scores) != 0 && len(inst.Scores) != jointsPerInstance) {
					logger.Warnw("skipping instance with mismatched keypoint count",
						"camera", cameraNames[cam], "frame", id, "instance", string(*inst.InstanceID),
						"keypoints", len(inst.Keypoints))
					continue
				}
				for joint, kp := range inst.Keypoints {
					score := scoreThreshold
					if len(inst.Scores) > joint {
						score = inst.Scores[joint]
					}
					if score < scoreThreshold || len(kp) != 2 ||
						math.IsNaN(kp[0]) || math.IsNaN(kp[1]) ||
						math.IsInf(kp[0], 0) || math.IsInf(kp[1], 0) {
						continue
					}
					marker := slot*jointsPerInstance + joint
					pix := r2.Point{X: kp[0], Y: kp[1]}
					if err := store.SetObservation(marker, cam, frame, pix, label.Initialized); err != nil {
						return nil, err
					}
					if err := store.SetInitial(marker, cam, frame, pix); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return &Detections{
		Store:       store,
		CameraNames: cameraNames,
		FrameIDs:    frameIDs,
		InstanceIDs: instanceIDs,
	}, nil
}
