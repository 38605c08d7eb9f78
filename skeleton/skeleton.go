// Package skeleton holds the connectivity metadata of a labeling session:
// joint names, the edges drawn between joints, and per-edge display colors.
// Topology is read-only to the annotation core; only the multi-animal
// replication here ever derives a new one.
package skeleton

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrInvalidSkeleton is returned when a skeleton definition is internally
// inconsistent.
var ErrInvalidSkeleton = errors.New("invalid skeleton")

// Skeleton describes one session's joint set. Edges are 0-based index pairs
// into JointNames; skeleton files store them 1-based and they are converted
// at the file boundary. Colors are per-edge RGB with components in [0, 1].
type Skeleton struct {
	JointNames []string
	Edges      [][2]int
	Colors     [][3]float64
}

// fileForm is the on-disk shape, matching the field names of the original
// skeleton files with their 1-based edge indices.
type fileForm struct {
	JointNames []string     `json:"joint_names"`
	JointsIdx  [][2]int     `json:"joints_idx"`
	Color      [][3]float64 `json:"color"`
}

// New builds a skeleton from the file-form fields, converting the 1-based
// edge pairs.
func New(jointNames []string, jointsIdx [][2]int, colors [][3]float64) (*Skeleton, error) {
	s := &Skeleton{
		JointNames: jointNames,
		Edges:      make([][2]int, len(jointsIdx)),
		Colors:     colors,
	}
	for i, edge := range jointsIdx {
		s.Edges[i] = [2]int{edge[0] - 1, edge[1] - 1}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Skeleton) validate() error {
	if len(s.JointNames) == 0 {
		return errors.Wrap(ErrInvalidSkeleton, "no joint names")
	}
	for i, name := range s.JointNames {
		if name == "" {
			return errors.Wrapf(ErrInvalidSkeleton, "joint %d has an empty name", i)
		}
	}
	if len(s.Colors) != len(s.Edges) {
		return errors.Wrapf(ErrInvalidSkeleton, "%d colors for %d edges", len(s.Colors), len(s.Edges))
	}
	for i, edge := range s.Edges {
		for _, j := range edge {
			if j < 0 || j >= len(s.JointNames) {
				return errors.Wrapf(ErrInvalidSkeleton, "edge %d references joint %d of %d", i, j+1, len(s.JointNames))
			}
		}
	}
	for i, c := range s.Colors {
		for _, v := range c {
			if v < 0 || v > 1 {
				return errors.Wrapf(ErrInvalidSkeleton, "color %d component %v outside [0, 1]", i, v)
			}
		}
	}
	return nil
}

// NumJoints returns the joint count.
func (s *Skeleton) NumJoints() int { return len(s.JointNames) }

// MarshalJSON writes the file form with 1-based edges.
func (s *Skeleton) MarshalJSON() ([]byte, error) {
	ff := fileForm{
		JointNames: s.JointNames,
		JointsIdx:  make([][2]int, len(s.Edges)),
		Color:      s.Colors,
	}
	for i, edge := range s.Edges {
		ff.JointsIdx[i] = [2]int{edge[0] + 1, edge[1] + 1}
	}
	return json.Marshal(ff)
}

// UnmarshalJSON reads the file form and converts its 1-based edges.
func (s *Skeleton) UnmarshalJSON(data []byte) error {
	var ff fileForm
	if err := json.Unmarshal(data, &ff); err != nil {
		return err
	}
	parsed, err := New(ff.JointNames, ff.JointsIdx, ff.Color)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// NewSkeletonFromJSONFile reads a skeleton definition from a JSON file.
func NewSkeletonFromJSONFile(jsonPath string) (*Skeleton, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)

	data, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	var s Skeleton
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return &s, nil
}

// Replicate builds the n-animal version of a single-animal skeleton: joint
// names gain a per-animal suffix, edge indices shift into each animal's
// block, and each animal's edges are tinted with its own palette color so
// animals stay tellable apart on screen. n of 1 returns a plain copy.
func (s *Skeleton) Replicate(n int) (*Skeleton, error) {
	if n < 1 {
		return nil, errors.Wrapf(ErrInvalidSkeleton, "cannot replicate %d times", n)
	}
	out := &Skeleton{
		JointNames: make([]string, 0, n*len(s.JointNames)),
		Edges:      make([][2]int, 0, n*len(s.Edges)),
		Colors:     make([][3]float64, 0, n*len(s.Edges)),
	}
	if n == 1 {
		out.JointNames = append(out.JointNames, s.JointNames...)
		out.Edges = append(out.Edges, s.Edges...)
		out.Colors = append(out.Colors, s.Colors...)
		return out, nil
	}

	palette, err := colorful.HappyPalette(n)
	if err != nil {
		return nil, errors.Wrap(err, "error generating animal palette")
	}
	for animal := 0; animal < n; animal++ {
		for _, name := range s.JointNames {
			out.JointNames = append(out.JointNames, fmt.Sprintf("%s_%d", name, animal+1))
		}
		offset := animal * len(s.JointNames)
		tint := palette[animal].Clamped()
		for _, edge := range s.Edges {
			out.Edges = append(out.Edges, [2]int{edge[0] + offset, edge[1] + offset})
			out.Colors = append(out.Colors, [3]float64{tint.R, tint.G, tint.B})
		}
	}
	return out, nil
}
