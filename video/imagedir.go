package video

import (
	"image"

	// Codecs for the formats frame extraction produces.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

var imageFileRe = regexp.MustCompile(`(?i)^.*?(\d+)\.(?:png|jpg|jpeg|bmp|tiff)$`)

// ImageDir is a Source over one directory of extracted frame images per
// camera. Files are ordered by the frame number in their names, so
// frame_9.png sorts before frame_10.png. Frames are decoded on every call.
type ImageDir struct {
	paths [][]string
}

// NewImageDir scans one directory per camera view. Every directory must
// hold at least one image file with a frame number in its name; the usable
// frame count is the shortest directory's.
func NewImageDir(dirs []string) (*ImageDir, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no camera directories given")
	}
	paths := make([][]string, len(dirs))
	for view, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrap(err, "error listing camera directory")
		}
		type numbered struct {
			num  int
			path string
		}
		var files []numbered
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := imageFileRe.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			files = append(files, numbered{num, filepath.Join(dir, entry.Name())})
		}
		if len(files) == 0 {
			return nil, errors.Errorf("no numbered image files in %s", dir)
		}
		sort.Slice(files, func(i, j int) bool { return files[i].num < files[j].num })
		paths[view] = make([]string, len(files))
		for i, f := range files {
			paths[view][i] = f.path
		}
	}
	return &ImageDir{paths: paths}, nil
}

// Views returns the number of camera views.
func (d *ImageDir) Views() int { return len(d.paths) }

// Frames returns the frame count shared by all views.
func (d *ImageDir) Frames() int {
	n := len(d.paths[0])
	for _, view := range d.paths[1:] {
		if len(view) < n {
			n = len(view)
		}
	}
	return n
}

// Frame decodes and returns one view of one frame.
func (d *ImageDir) Frame(view, frame int) (image.Image, error) {
	if view < 0 || view >= len(d.paths) {
		return nil, errors.Errorf("view %d of %d", view, len(d.paths))
	}
	if frame < 0 || frame >= d.Frames() {
		return nil, errors.Errorf("frame %d of %d", frame, d.Frames())
	}
	//nolint:gosec
	f, err := os.Open(d.paths[view][frame])
	if err != nil {
		return nil, errors.Wrap(err, "error opening image file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", d.paths[view][frame])
	}
	return img, nil
}

// Path returns the file backing one view of one frame, for callers that
// name outputs after inputs.
func (d *ImageDir) Path(view, frame int) (string, error) {
	if view < 0 || view >= len(d.paths) {
		return "", errors.Errorf("view %d of %d", view, len(d.paths))
	}
	if frame < 0 || frame >= d.Frames() {
		return "", errors.Errorf("frame %d of %d", frame, d.Frames())
	}
	return d.paths[view][frame], nil
}
