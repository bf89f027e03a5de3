package domain

type TranscodeMode string

const (
	TranscodeLive TranscodeMode = "live"
	TranscodeVOD  TranscodeMode = "vod"
)

// TranscodeJob is one transcoder invocation. Output paths are relative to
// OutputDir, which becomes the process working directory.
type TranscodeJob struct {
	Name        string
	Mode        TranscodeMode
	Input       string
	Listen      bool
	OutputDir   string
	Source      SourceInfo
	Renditions  []Rendition
	Accel       HWAccel
	VAAPIDevice string
	Record      bool
	// PreviewDir, when set, receives a low latency single rendition HLS
	// preview next to the ladder. It is an absolute path.
	PreviewDir string
}

// PreviewPlaylist is the playlist name inside a preview directory.
const PreviewPlaylist = "preview.m3u8"

// PreviewHeight caps the preview rendition.
const PreviewHeight = 360
