package session

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// WriteFile saves the snapshot as JSON, gzip-compressed when the path ends
// in .gz.
func (s *Snapshot) WriteFile(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "error encoding session")
	}
	if strings.HasSuffix(path, ".gz") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return errors.Wrap(err, "error compressing session")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "error compressing session")
		}
		data = buf.Bytes()
	}
	//nolint:gosec
	return errors.Wrap(os.WriteFile(path, data, 0o640), "error writing session file")
}

// NewSnapshotFromFile reads a session document, transparently decompressing
// a .gz path.
func NewSnapshotFromFile(path string) (*Snapshot, error) {
	//nolint:gosec
	jsonFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening session file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)

	data, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading session data")
	}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "error decompressing session")
		}
		defer utils.UncheckedErrorFunc(zr.Close)
		if data, err = io.ReadAll(zr); err != nil {
			return nil, errors.Wrap(err, "error decompressing session")
		}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "error parsing session JSON")
	}
	return &snap, nil
}
