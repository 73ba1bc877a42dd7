package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	masterPlaylist  = "master.m3u8"
	variantPlaylist = "playlist.m3u8"
	segmentPattern  = "seg_%04d.ts"
	thumbnailFile   = "thumbnail.jpg"
)

// Variant is one rung of the adaptive bitrate ladder. Subdir names the
// output directory under the job root (v1/, v2/, ...).
type Variant struct {
	Name         string
	Subdir       string
	Width        int
	Height       int
	VideoBitrate string
	BufferSize   string
	AudioBitrate string
	Bandwidth    int
}

// DefaultLadder is the fixed three-rung output ladder.
func DefaultLadder() []Variant {
	return []Variant{
		{Name: "1080p", Subdir: "v1", Width: 1920, Height: 1080, VideoBitrate: "5000k", BufferSize: "10000k", AudioBitrate: "128k", Bandwidth: 5128000},
		{Name: "720p", Subdir: "v2", Width: 1280, Height: 720, VideoBitrate: "2800k", BufferSize: "5600k", AudioBitrate: "128k", Bandwidth: 2928000},
		{Name: "480p", Subdir: "v3", Width: 854, Height: 480, VideoBitrate: "1400k", BufferSize: "2800k", AudioBitrate: "96k", Bandwidth: 1496000},
	}
}

// WriteMasterPlaylist renders the top-level manifest referencing every
// variant playlist.
func WriteMasterPlaylist(outDir string, variants []Variant) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", v.Bandwidth, v.Width, v.Height)
		fmt.Fprintf(&b, "%s/%s\n", v.Subdir, variantPlaylist)
	}
	if err := os.WriteFile(filepath.Join(outDir, masterPlaylist), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

// ValidateHLS checks the output tree before anything is uploaded: the master
// manifest must exist, every variant manifest must exist, and every variant
// must have at least minSegments segment files. Any violation fails the job;
// partial success is never reported.
func ValidateHLS(outDir string, variants []Variant, minSegments int) error {
	if minSegments < 1 {
		minSegments = 1
	}
	if _, err := os.Stat(filepath.Join(outDir, masterPlaylist)); err != nil {
		return fmt.Errorf("master manifest missing: %w", err)
	}
	for _, v := range variants {
		dir := filepath.Join(outDir, v.Subdir)
		if _, err := os.Stat(filepath.Join(dir, variantPlaylist)); err != nil {
			return fmt.Errorf("variant %s manifest missing: %w", v.Name, err)
		}
		segments, err := filepath.Glob(filepath.Join(dir, "seg_*.ts"))
		if err != nil {
			return fmt.Errorf("scan variant %s segments: %w", v.Name, err)
		}
		if len(segments) < minSegments {
			return fmt.Errorf("variant %s has %d segments, need at least %d", v.Name, len(segments), minSegments)
		}
	}
	return nil
}
