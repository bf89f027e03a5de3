package domain

import (
	"errors"
	"fmt"
	"sort"
)

var ErrSourceTooSmall = errors.New("source resolution below the smallest encoding profile")

// EncodingProfile is one row of the encoding table. Bitrates are in kbit/s.
type EncodingProfile struct {
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FPS          int    `json:"fps"`
	VideoBitrate int    `json:"video_bitrate"`
	MaxRate      int    `json:"maxrate"`
	BufSize      int    `json:"bufsize"`
	AudioBitrate int    `json:"audio_bitrate"`
	CodecProfile string `json:"codec_profile"`
	CodecLevel   string `json:"codec_level"`
}

func (p EncodingProfile) AspectRatio() float64 {
	if p.Height == 0 {
		return 0
	}
	return float64(p.Width) / float64(p.Height)
}

func (p EncodingProfile) String() string {
	return fmt.Sprintf("%s@%d", p.Name, p.FPS)
}

// HWAccel is the encode backend available on the host.
type HWAccel string

const (
	HWAccelVAAPI    HWAccel = "vaapi"
	HWAccelNVENC    HWAccel = "nvenc"
	HWAccelSoftware HWAccel = "software"
)

// SourceInfo is what the media probe reports about an input.
type SourceInfo struct {
	Width      int
	Height     int
	FPS        int
	AudioCodec string
}

func (s SourceInfo) HasAudio() bool {
	return s.AudioCodec != ""
}

// profileTable is ordered by height then fps, both descending.
var profileTable = []EncodingProfile{
	{Name: "8k", Width: 7680, Height: 4320, FPS: 30, VideoBitrate: 65000, MaxRate: 75000, BufSize: 150000, AudioBitrate: 192, CodecProfile: "high", CodecLevel: "5.1"},
	{Name: "8k", Width: 7680, Height: 4320, FPS: 60, VideoBitrate: 85000, MaxRate: 95000, BufSize: 190000, AudioBitrate: 192, CodecProfile: "high", CodecLevel: "5.1"},
	{Name: "8k", Width: 7680, Height: 4320, FPS: 90, VideoBitrate: 105000, MaxRate: 125000, BufSize: 240000, AudioBitrate: 192, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "8k", Width: 7680, Height: 4320, FPS: 120, VideoBitrate: 115000, MaxRate: 135000, BufSize: 260000, AudioBitrate: 192, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "8k", Width: 7680, Height: 4320, FPS: 144, VideoBitrate: 125000, MaxRate: 145000, BufSize: 280000, AudioBitrate: 192, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "4k", Width: 3840, Height: 2160, FPS: 30, VideoBitrate: 35000, MaxRate: 40000, BufSize: 80000, AudioBitrate: 160, CodecProfile: "high", CodecLevel: "5.1"},
	{Name: "4k", Width: 3840, Height: 2160, FPS: 60, VideoBitrate: 45000, MaxRate: 50000, BufSize: 95000, AudioBitrate: 160, CodecProfile: "high", CodecLevel: "5.1"},
	{Name: "4k", Width: 3840, Height: 2160, FPS: 90, VideoBitrate: 55000, MaxRate: 65000, BufSize: 120000, AudioBitrate: 160, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "4k", Width: 3840, Height: 2160, FPS: 120, VideoBitrate: 60000, MaxRate: 70000, BufSize: 130000, AudioBitrate: 160, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "4k", Width: 3840, Height: 2160, FPS: 144, VideoBitrate: 65000, MaxRate: 75000, BufSize: 140000, AudioBitrate: 160, CodecProfile: "high", CodecLevel: "5.2"},
	{Name: "1440p", Width: 2560, Height: 1440, FPS: 30, VideoBitrate: 18000, MaxRate: 20000, BufSize: 40000, AudioBitrate: 128, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "1440p", Width: 2560, Height: 1440, FPS: 60, VideoBitrate: 24000, MaxRate: 26000, BufSize: 52000, AudioBitrate: 128, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "1440p", Width: 2560, Height: 1440, FPS: 90, VideoBitrate: 28000, MaxRate: 30000, BufSize: 60000, AudioBitrate: 128, CodecProfile: "high", CodecLevel: "4.2"},
	{Name: "1440p", Width: 2560, Height: 1440, FPS: 120, VideoBitrate: 30000, MaxRate: 32000, BufSize: 64000, AudioBitrate: 128, CodecProfile: "high", CodecLevel: "4.2"},
	{Name: "1440p", Width: 2560, Height: 1440, FPS: 144, VideoBitrate: 32000, MaxRate: 34000, BufSize: 68000, AudioBitrate: 128, CodecProfile: "high", CodecLevel: "5.0"},
	{Name: "1080p", Width: 1920, Height: 1080, FPS: 30, VideoBitrate: 10000, MaxRate: 11000, BufSize: 22000, AudioBitrate: 96, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "1080p", Width: 1920, Height: 1080, FPS: 60, VideoBitrate: 15000, MaxRate: 17000, BufSize: 34000, AudioBitrate: 96, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "1080p", Width: 1920, Height: 1080, FPS: 90, VideoBitrate: 18000, MaxRate: 20000, BufSize: 40000, AudioBitrate: 96, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "1080p", Width: 1920, Height: 1080, FPS: 120, VideoBitrate: 20000, MaxRate: 22000, BufSize: 44000, AudioBitrate: 96, CodecProfile: "high", CodecLevel: "4.2"},
	{Name: "1080p", Width: 1920, Height: 1080, FPS: 144, VideoBitrate: 22000, MaxRate: 24000, BufSize: 48000, AudioBitrate: 96, CodecProfile: "high", CodecLevel: "4.2"},
	{Name: "720p", Width: 1280, Height: 720, FPS: 30, VideoBitrate: 6000, MaxRate: 7000, BufSize: 14000, AudioBitrate: 64, CodecProfile: "high", CodecLevel: "3.1"},
	{Name: "720p", Width: 1280, Height: 720, FPS: 60, VideoBitrate: 9000, MaxRate: 10000, BufSize: 20000, AudioBitrate: 64, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "720p", Width: 1280, Height: 720, FPS: 90, VideoBitrate: 11000, MaxRate: 12000, BufSize: 24000, AudioBitrate: 64, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "720p", Width: 1280, Height: 720, FPS: 120, VideoBitrate: 13000, MaxRate: 14000, BufSize: 28000, AudioBitrate: 64, CodecProfile: "high", CodecLevel: "4.1"},
	{Name: "720p", Width: 1280, Height: 720, FPS: 144, VideoBitrate: 15000, MaxRate: 16000, BufSize: 32000, AudioBitrate: 64, CodecProfile: "high", CodecLevel: "4.2"},
	{Name: "480p", Width: 854, Height: 480, FPS: 30, VideoBitrate: 3000, MaxRate: 3500, BufSize: 7000, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "480p", Width: 854, Height: 480, FPS: 60, VideoBitrate: 4500, MaxRate: 5000, BufSize: 10000, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "480p", Width: 854, Height: 480, FPS: 90, VideoBitrate: 5500, MaxRate: 6000, BufSize: 12000, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "480p", Width: 854, Height: 480, FPS: 120, VideoBitrate: 6500, MaxRate: 7000, BufSize: 14000, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "480p", Width: 854, Height: 480, FPS: 144, VideoBitrate: 7500, MaxRate: 8000, BufSize: 16000, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "4.0"},
	{Name: "360p", Width: 640, Height: 360, FPS: 30, VideoBitrate: 1500, MaxRate: 1800, BufSize: 3600, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "360p", Width: 640, Height: 360, FPS: 60, VideoBitrate: 2250, MaxRate: 2600, BufSize: 5200, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "360p", Width: 640, Height: 360, FPS: 90, VideoBitrate: 2750, MaxRate: 3200, BufSize: 6400, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "360p", Width: 640, Height: 360, FPS: 120, VideoBitrate: 3250, MaxRate: 3800, BufSize: 7600, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "3.1"},
	{Name: "360p", Width: 640, Height: 360, FPS: 144, VideoBitrate: 3750, MaxRate: 4400, BufSize: 8800, AudioBitrate: 48, CodecProfile: "main", CodecLevel: "4.0"},
	{Name: "320p", Width: 480, Height: 320, FPS: 30, VideoBitrate: 1200, MaxRate: 1440, BufSize: 2880, AudioBitrate: 48, CodecProfile: "constrained_baseline", CodecLevel: "3.0"},
	{Name: "320p", Width: 480, Height: 320, FPS: 60, VideoBitrate: 1800, MaxRate: 2160, BufSize: 4320, AudioBitrate: 48, CodecProfile: "constrained_baseline", CodecLevel: "3.0"},
	{Name: "320p", Width: 480, Height: 320, FPS: 90, VideoBitrate: 2200, MaxRate: 2600, BufSize: 5200, AudioBitrate: 48, CodecProfile: "constrained_baseline", CodecLevel: "3.1"},
	{Name: "320p", Width: 480, Height: 320, FPS: 120, VideoBitrate: 2600, MaxRate: 3120, BufSize: 6240, AudioBitrate: 48, CodecProfile: "constrained_baseline", CodecLevel: "3.1"},
	{Name: "320p", Width: 480, Height: 320, FPS: 144, VideoBitrate: 3000, MaxRate: 3600, BufSize: 7200, AudioBitrate: 48, CodecProfile: "constrained_baseline", CodecLevel: "4.0"},
}

// Profiles returns a copy of the encoding table.
func Profiles() []EncodingProfile {
	out := make([]EncodingProfile, len(profileTable))
	copy(out, profileTable)
	return out
}

// LookupProfile returns the exact table entry for (height, fps).
func LookupProfile(height, fps int) (EncodingProfile, bool) {
	for _, p := range profileTable {
		if p.Height == height && p.FPS == fps {
			return p, true
		}
	}
	return EncodingProfile{}, false
}

// tableHeights returns the distinct heights, descending.
func tableHeights() []int {
	seen := make(map[int]bool)
	var hs []int
	for _, p := range profileTable {
		if !seen[p.Height] {
			seen[p.Height] = true
			hs = append(hs, p.Height)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(hs)))
	return hs
}

// tierFPS picks the largest table framerate not above fps. Sources slower than
// the lowest tier use the lowest tier.
func tierFPS(fps int) int {
	best := 0
	lowest := 0
	for _, p := range profileTable {
		if lowest == 0 || p.FPS < lowest {
			lowest = p.FPS
		}
		if p.FPS <= fps && p.FPS > best {
			best = p.FPS
		}
	}
	if best == 0 {
		return lowest
	}
	return best
}

// Rendition is one rung of an encoding ladder: a table profile plus the output
// geometry scaled to the source aspect ratio.
type Rendition struct {
	Profile EncodingProfile `json:"profile"`
	Width   int             `json:"width"`
	Height  int             `json:"height"`
	FPS     int             `json:"fps"`
}

// Name is used for segment directories, e.g. "1280x720@30".
func (r Rendition) Name() string {
	return fmt.Sprintf("%dx%d@%d", r.Width, r.Height, r.FPS)
}

// softwareMaxHeight caps ladders encoded without hardware acceleration.
const softwareMaxHeight = 1080

// fallbackTiers are the framerates high framerate sources are also
// delivered at, for players that cannot decode the full rate.
var fallbackTiers = []int{90, 60}

// SelectLadder builds an adaptive ladder from the table, choosing for each rung
// the closest entry that does not exceed the source. Rungs are ordered from the
// highest resolution down. A source above a fallback tier gets a second full
// ladder at that tier, appended after the native one. maxRungs <= 0 means no
// limit and applies to each ladder separately.
func SelectLadder(src SourceInfo, accel HWAccel, maxRungs int) ([]Rendition, error) {
	if src.Width <= 0 || src.Height <= 0 {
		return nil, fmt.Errorf("invalid source geometry %dx%d", src.Width, src.Height)
	}

	fps := tierFPS(src.FPS)
	outFPS := fps
	if src.FPS > 0 && src.FPS < outFPS {
		outFPS = src.FPS
	}

	ladder := ladderAt(src, accel, fps, outFPS, maxRungs)
	if len(ladder) == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrSourceTooSmall, src.Width, src.Height)
	}
	for _, tier := range fallbackTiers {
		if fps > tier {
			ladder = append(ladder, ladderAt(src, accel, tier, tier, maxRungs)...)
		}
	}
	return ladder, nil
}

func ladderAt(src SourceInfo, accel HWAccel, fps, outFPS, maxRungs int) []Rendition {
	var ladder []Rendition
	for _, h := range tableHeights() {
		if h > src.Height {
			continue
		}
		if accel == HWAccelSoftware && h > softwareMaxHeight {
			continue
		}
		p, ok := LookupProfile(h, fps)
		if !ok {
			continue
		}
		ladder = append(ladder, scaleRendition(p, src, outFPS))
		if maxRungs > 0 && len(ladder) == maxRungs {
			break
		}
	}
	return ladder
}

func scaleRendition(p EncodingProfile, src SourceInfo, fps int) Rendition {
	h := p.Height
	w := p.Width
	// Follow the source aspect ratio instead of the table's 16:9 width.
	if src.Width*p.Height != src.Height*p.Width {
		w = h * src.Width / src.Height
	}
	if w > src.Width {
		w = src.Width
	}
	return Rendition{Profile: p, Width: even(w), Height: even(h), FPS: fps}
}

func even(v int) int {
	return v &^ 1
}
