// Package storage persists recorded segment metadata and defines the on-disk
// layout of recordings under the storage root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a segment id is unknown.
var ErrNotFound = errors.New("segment not found")

// Segment is one recorded, independently playable file.
type Segment struct {
	ID       int64     `json:"id"`
	CameraID int64     `json:"cameraId"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Path     string    `json:"path"` // relative to the storage root
}

// Duration returns End minus Start.
func (s Segment) Duration() time.Duration { return s.End.Sub(s.Start) }

// Store is the segment metadata store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create persists seg and returns it with its assigned ID.
	Create(ctx context.Context, seg Segment) (Segment, error)
	// List returns all segments ordered by camera, then start time.
	List(ctx context.Context) ([]Segment, error)
	// ListCamera returns one camera's segments ordered by start time.
	ListCamera(ctx context.Context, cameraID int64) ([]Segment, error)
	// Delete removes the given segments. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...int64) error
}

// Directory names under the storage root.
const (
	RecordDir = "record"
	LiveDir   = "stream"
)

// FileLayout is the time layout of recording file names.
const FileLayout = "VID_20060102_150405.mp4"

// CameraRecordDir returns the directory holding a camera's recordings.
func CameraRecordDir(root string, cameraID int64) string {
	return filepath.Join(root, RecordDir, strconv.FormatInt(cameraID, 10))
}

// CameraLiveDir returns the directory holding a camera's live view playlist.
func CameraLiveDir(root string, cameraID int64) string {
	return filepath.Join(root, LiveDir, strconv.FormatInt(cameraID, 10))
}

// RecordPath returns the absolute file path for a segment starting at start.
func RecordPath(root string, cameraID int64, start time.Time) string {
	return filepath.Join(CameraRecordDir(root, cameraID), start.Format(FileLayout))
}

// RelPath returns abs relative to root, as stored in Segment.Path.
func RelPath(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside storage root %s", abs, root)
	}
	return filepath.ToSlash(rel), nil
}

// AbsPath resolves a stored relative path against root.
func AbsPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// ParseFileName extracts the start time from a recording file name in the
// local time zone.
func ParseFileName(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(FileLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseRelPath splits a stored path of the form record/<camera>/<file> into
// its camera id and start time.
func ParseRelPath(rel string) (cameraID int64, start time.Time, ok bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] != RecordDir {
		return 0, time.Time{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	start, ok = ParseFileName(parts[2])
	return id, start, ok
}
