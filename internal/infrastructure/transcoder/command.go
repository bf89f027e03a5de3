package transcoder

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"classcast/internal/core/domain"
)

const (
	segmentSeconds  = "5"
	variantPlaylist = "stream_%v.m3u8"
	segmentPattern  = "%v/data%03d.ts"

	// RecordingFile is the untouched copy of a live input kept next to the renditions.
	RecordingFile = "original.mp4"

	previewSegmentSeconds = "0.5"
	previewListSize       = "2"
	previewGOP            = "10"
	previewMaxFPS         = 30
	// segment URIs resolve under the preview route, not next to the playlist
	previewBaseURL = "preview/"
)

// BuildHLSArgs builds the ffmpeg argument list for an HLS ladder with a
// master playlist. Progress is reported on stdout.
func BuildHLSArgs(job domain.TranscodeJob) ([]string, error) {
	if job.Input == "" {
		return nil, errors.New("transcode job has no input")
	}
	if len(job.Renditions) == 0 {
		return nil, errors.New("transcode job has no renditions")
	}

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats", "-progress", "pipe:1", "-y"}
	if job.Accel == domain.HWAccelVAAPI {
		dev := job.VAAPIDevice
		if dev == "" {
			dev = defaultRenderDevice
		}
		args = append(args, "-vaapi_device", dev)
	}
	if job.Mode == domain.TranscodeLive {
		args = append(args, "-re")
		if job.Listen {
			args = append(args, "-listen", "1")
		}
	}
	args = append(args, "-i", job.Input)
	args = append(args, "-filter_complex", filterGraph(job))

	for i, r := range job.Renditions {
		args = append(args, videoArgs(job, i, r)...)
	}

	streamMap := make([]string, 0, len(job.Renditions))
	for i, r := range job.Renditions {
		entry := fmt.Sprintf("v:%d", i)
		if job.Source.HasAudio() {
			entry += fmt.Sprintf(",a:%d", i)
		}
		streamMap = append(streamMap, entry+",name:"+r.Name())
	}
	if job.Source.HasAudio() {
		for i, r := range job.Renditions {
			args = append(args,
				"-map", "a:0",
				"-c:a:"+strconv.Itoa(i), "aac",
				"-b:a:"+strconv.Itoa(i), fmt.Sprintf("%dk", r.Profile.AudioBitrate),
			)
		}
		args = append(args, "-ac", "2")
	}

	playlistType, flags := "vod", "independent_segments"
	if job.Mode == domain.TranscodeLive {
		playlistType, flags = "event", "independent_segments+append_list+program_date_time"
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", segmentSeconds,
		"-hls_playlist_type", playlistType,
		"-hls_flags", flags,
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
		"-master_pl_name", domain.MasterPlaylist,
		"-var_stream_map", strings.Join(streamMap, " "),
		variantPlaylist,
	)

	if job.PreviewDir != "" {
		args = append(args, previewArgs(job)...)
	}
	if job.Mode == domain.TranscodeLive && job.Record {
		args = append(args, "-map", "0:v", "-map", "0:a?", "-c:v", "copy", "-c:a", "aac", RecordingFile)
	}
	return args, nil
}

// filterGraph splits the first video stream once per rendition, plus once
// for the preview. A rung that matches the source geometry is passed through.
func filterGraph(job domain.TranscodeJob) string {
	var b strings.Builder
	outputs := len(job.Renditions)
	if job.PreviewDir != "" {
		outputs++
	}
	fmt.Fprintf(&b, "[0:v]split=%d", outputs)
	for i := range job.Renditions {
		fmt.Fprintf(&b, "[v%d]", i)
	}
	if job.PreviewDir != "" {
		b.WriteString("[vp]")
	}

	for i, r := range job.Renditions {
		var chain []string
		if r.Height != job.Source.Height {
			chain = append(chain, fmt.Sprintf("scale=w=-2:h=%d", r.Height))
		}
		if r.FPS > 0 && job.Source.FPS > r.FPS {
			chain = append(chain, fmt.Sprintf("fps=%d", r.FPS))
		}
		if job.Accel == domain.HWAccelVAAPI {
			chain = append(chain, "format=nv12", "hwupload")
		}
		if len(chain) == 0 {
			chain = append(chain, "copy")
		}
		fmt.Fprintf(&b, ";[v%d]%s[v%dout]", i, strings.Join(chain, ","), i)
	}

	if job.PreviewDir != "" {
		chain := []string{fmt.Sprintf("scale=w=-2:h=%d", min(job.Source.Height, domain.PreviewHeight))}
		if job.Source.FPS > previewMaxFPS {
			chain = append(chain, fmt.Sprintf("fps=%d", previewMaxFPS))
		}
		if job.Accel == domain.HWAccelVAAPI {
			chain = append(chain, "format=nv12", "hwupload")
		}
		fmt.Fprintf(&b, ";[vp]%s[vpout]", strings.Join(chain, ","))
	}
	return b.String()
}

// previewArgs is a second HLS output with short segments and a two entry
// sliding window, so a broadcaster can check the feed within a second or two.
func previewArgs(job domain.TranscodeJob) []string {
	args := []string{"-map", "[vpout]"}
	switch job.Accel {
	case domain.HWAccelVAAPI:
		args = append(args, "-c:v", "h264_vaapi", "-qp", "24")
	case domain.HWAccelNVENC:
		args = append(args, "-c:v", "h264_nvenc", "-preset", "p1", "-tune", "ll")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency")
	}
	args = append(args, "-g", previewGOP, "-keyint_min", previewGOP, "-sc_threshold", "0")
	if job.Source.HasAudio() {
		args = append(args, "-map", "a:0", "-c:a", "aac", "-b:a", "64k")
	}
	return append(args,
		"-f", "hls",
		"-hls_time", previewSegmentSeconds,
		"-hls_list_size", previewListSize,
		"-hls_flags", "delete_segments+independent_segments+program_date_time",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(job.PreviewDir, "%03d.ts"),
		"-hls_base_url", previewBaseURL,
		filepath.Join(job.PreviewDir, domain.PreviewPlaylist),
	)
}

func videoArgs(job domain.TranscodeJob, i int, r domain.Rendition) []string {
	idx := strconv.Itoa(i)
	p := r.Profile
	gop := strconv.Itoa(max(r.FPS, 1))

	args := []string{"-map", fmt.Sprintf("[v%dout]", i)}
	switch job.Accel {
	case domain.HWAccelVAAPI:
		args = append(args, "-c:v:"+idx, "h264_vaapi")
	case domain.HWAccelNVENC:
		args = append(args, "-c:v:"+idx, "h264_nvenc", "-preset:v:"+idx, "p4")
	default:
		preset := "fast"
		if job.Mode == domain.TranscodeLive {
			preset = "veryfast"
		}
		args = append(args, "-c:v:"+idx, "libx264", "-preset:v:"+idx, preset)
	}

	return append(args,
		"-b:v:"+idx, fmt.Sprintf("%dk", p.VideoBitrate),
		"-maxrate:v:"+idx, fmt.Sprintf("%dk", p.MaxRate),
		"-bufsize:v:"+idx, fmt.Sprintf("%dk", p.BufSize),
		"-profile:v:"+idx, p.CodecProfile,
		"-level:v:"+idx, p.CodecLevel,
		"-g:v:"+idx, gop,
		"-keyint_min:v:"+idx, gop,
		"-sc_threshold:v:"+idx, "0",
	)
}
