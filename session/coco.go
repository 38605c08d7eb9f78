package session

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/camlab/label3d/label"
	"github.com/camlab/label3d/skeleton"
	"github.com/camlab/label3d/utils"
)

// COCO keypoint-detection document types, one image per (frame, camera) and
// one annotation per animal instance.
type (
	// COCOImage is one camera view of one labeled frame.
	COCOImage struct {
		ID       int    `json:"id"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		FileName string `json:"file_name"`
	}

	// COCOAnnotation is one animal instance in one image. Keypoints are flat
	// [x y v] triplets with v=2 for labeled points, v=1 for declared-invisible
	// points and v=0 for absent or out-of-bounds ones.
	COCOAnnotation struct {
		ID           int     `json:"id"`
		ImageID      int     `json:"image_id"`
		CategoryID   int     `json:"category_id"`
		IsCrowd      int     `json:"iscrowd"`
		Area         float64 `json:"area"`
		BBox         [4]int  `json:"bbox"`
		NumKeypoints int     `json:"num_keypoints"`
		Keypoints    []int   `json:"keypoints"`
	}

	// COCOCategory carries the single-animal skeleton definition.
	COCOCategory struct {
		ID            int      `json:"id"`
		Name          string   `json:"name"`
		Supercategory string   `json:"supercategory"`
		Keypoints     []string `json:"keypoints"`
		Skeleton      [][2]int `json:"skeleton"`
	}

	// COCODocument is a complete COCO keypoint file.
	COCODocument struct {
		Images      []COCOImage      `json:"images"`
		Annotations []COCOAnnotation `json:"annotations"`
		Categories  []COCOCategory   `json:"categories"`
	}
)

// ExportCOCO converts a snapshot into a COCO keypoint document. baseSkel is
// the single-animal skeleton defining the category; nil falls back to the
// snapshot's own skeleton, which is only right for single-animal sessions.
func ExportCOCO(snap *Snapshot, baseSkel *skeleton.Skeleton, category string) (*COCODocument, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if baseSkel == nil {
		baseSkel = snap.Skeleton
	}
	if baseSkel == nil {
		return nil, errors.Wrap(ErrInvalidSnapshot, "no skeleton available for the COCO category")
	}

	nMarkers := len(snap.Status)
	nCams := len(snap.Status[0])
	nFrames := len(snap.Status[0][0])
	nAnimals := snap.NAnimals
	if nAnimals == 0 {
		nAnimals = 1
	}
	keypointsPerAnimal := nMarkers / nAnimals
	baseKeypoints := baseSkel.NumJoints()

	doc := &COCODocument{
		Categories: []COCOCategory{{
			ID:            1,
			Name:          category,
			Supercategory: category,
			Keypoints:     baseSkel.JointNames,
			Skeleton:      baseSkel.Edges,
		}},
	}

	imageID := 0
	annotationID := 0
	for frame := 0; frame < nFrames; frame++ {
		originalFrame := frame + 1
		if len(snap.FramesToLabel) == nFrames {
			originalFrame = snap.FramesToLabel[frame]
		}
		for cam := 0; cam < nCams; cam++ {
			imageID++
			height := snap.ImageSize[cam][0]
			width := snap.ImageSize[cam][1]
			camName := fmt.Sprintf("Cam_%d", cam+1)
			if cam < len(snap.CameraNames) && snap.CameraNames[cam] != "" {
				camName = snap.CameraNames[cam]
			}
			doc.Images = append(doc.Images, COCOImage{
				ID:       imageID,
				Width:    width,
				Height:   height,
				FileName: fmt.Sprintf("%s_frame_%06d.jpg", camName, originalFrame),
			})

			for animal := 0; animal < nAnimals; animal++ {
				ann, ok, err := annotateInstance(snap, animal, keypointsPerAnimal, baseKeypoints, cam, frame, width, height)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				annotationID++
				ann.ID = annotationID
				ann.ImageID = imageID
				ann.CategoryID = 1
				doc.Annotations = append(doc.Annotations, ann)
			}
		}
	}
	return doc, nil
}

func annotateInstance(snap *Snapshot, animal, keypointsPerAnimal, baseKeypoints, cam, frame, width, height int,
) (COCOAnnotation, bool, error) {
	var ann COCOAnnotation
	ann.Keypoints = make([]int, 0, 3*baseKeypoints)
	var visibleXs, visibleYs []int

	markerStart := animal * keypointsPerAnimal
	for kpt := 0; kpt < baseKeypoints; kpt++ {
		x, y, v := 0, 0, 0
		if kpt < keypointsPerAnimal {
			marker := markerStart + kpt
			px := float64(snap.CamPoints[marker][cam][0][frame])
			py := float64(snap.CamPoints[marker][cam][1][frame])
			status, err := label.StatusFromInt(snap.Status[marker][cam][frame])
			if err != nil {
				return ann, false, errors.Wrapf(err, "marker %d camera %d frame %d", marker, cam, frame)
			}
			if !math.IsNaN(px) && !math.IsNaN(py) {
				x = int(math.Round(px))
				y = int(math.Round(py))
				switch {
				case x < 0 || y < 0 || x >= width || y >= height:
					v = 0
				case status == label.Invisible:
					v = 1
				case status == label.Initialized || status == label.Labeled:
					v = 2
				}
			}
		}
		ann.Keypoints = append(ann.Keypoints, x, y, v)
		if v > 0 {
			ann.NumKeypoints++
		}
		if v == 2 {
			visibleXs = append(visibleXs, x)
			visibleYs = append(visibleYs, y)
		}
	}
	if ann.NumKeypoints == 0 {
		return ann, false, nil
	}
	if len(visibleXs) > 0 {
		minX, maxX := visibleXs[0], visibleXs[0]
		minY, maxY := visibleYs[0], visibleYs[0]
		for i := 1; i < len(visibleXs); i++ {
			minX = utils.MinInt(minX, visibleXs[i])
			maxX = utils.MaxInt(maxX, visibleXs[i])
			minY = utils.MinInt(minY, visibleYs[i])
			maxY = utils.MaxInt(maxY, visibleYs[i])
		}
		minX = utils.MaxInt(0, minX)
		minY = utils.MaxInt(0, minY)
		maxX = utils.MinInt(width-1, maxX)
		maxY = utils.MinInt(height-1, maxY)
		ann.BBox = [4]int{minX, minY, utils.MaxInt(0, maxX-minX), utils.MaxInt(0, maxY-minY)}
		ann.Area = float64(ann.BBox[2] * ann.BBox[3])
	}
	return ann, true, nil
}

// WriteCOCOFile exports a snapshot straight to a COCO JSON file.
func WriteCOCOFile(path string, snap *Snapshot, baseSkel *skeleton.Skeleton, category string) error {
	doc, err := ExportCOCO(snap, baseSkel, category)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "error encoding COCO document")
	}
	//nolint:gosec
	return errors.Wrap(os.WriteFile(path, data, 0o640), "error writing COCO file")
}
