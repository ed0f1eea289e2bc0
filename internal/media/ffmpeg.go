package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultFPS = 30

// FFmpegVideo decodes video with the ffmpeg and ffprobe binaries. Frames
// come out of ffmpeg as raw RGBA and are paced to the playback rate here,
// so a rate change only needs a new stream.
type FFmpegVideo struct {
	FFmpeg  string
	FFprobe string
	Clock   clockwork.Clock
}

func NewFFmpegVideo(ffmpeg, ffprobe string, clock clockwork.Clock) *FFmpegVideo {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &FFmpegVideo{FFmpeg: ffmpeg, FFprobe: ffprobe, Clock: clock}
}

type probeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

func (f *FFmpegVideo) Probe(ctx context.Context, url string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate",
		"-of", "json",
		url)
	out, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w", url, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (ProbeResult, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return ProbeResult{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 {
		return ProbeResult{}, errors.New("no video stream")
	}
	s := po.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return ProbeResult{}, fmt.Errorf("invalid video size %dx%d", s.Width, s.Height)
	}
	return ProbeResult{Codec: s.CodecName, Width: s.Width, Height: s.Height, FPS: parseFrameRate(s.RFrameRate)}, nil
}

// parseFrameRate parses ffprobe's "num/den" notation.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return defaultFPS
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return defaultFPS
	}
	return n / d
}

func (f *FFmpegVideo) Open(ctx context.Context, url string, probe ProbeResult, rate float64) (VideoStream, error) {
	if rate <= 0 {
		rate = 1
	}
	fps := probe.FPS
	if fps <= 0 {
		fps = defaultFPS
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, f.FFmpeg,
		"-loglevel", "error",
		"-stream_loop", "-1",
		"-i", url,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", probe.Width, probe.Height),
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	interval := time.Duration(float64(time.Second) / (fps * rate))
	return &ffmpegStream{
		cmd:    cmd,
		cancel: cancel,
		ctx:    ctx,
		out:    bufio.NewReaderSize(stdout, probe.Width*probe.Height*4),
		ticker: f.Clock.NewTicker(interval),
		width:  probe.Width,
		height: probe.Height,
	}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	out    io.Reader
	ticker clockwork.Ticker
	width  int
	height int
	primed bool
	reaped sync.Once
}

func (s *ffmpegStream) ReadFrame(dst *image.RGBA) error {
	if dst.Rect.Dx() != s.width || dst.Rect.Dy() != s.height || dst.Stride != s.width*4 {
		return fmt.Errorf("frame buffer is %v, stream is %dx%d", dst.Rect, s.width, s.height)
	}
	if s.primed {
		select {
		case <-s.ticker.Chan():
		case <-s.ctx.Done():
			s.reap()
			return s.ctx.Err()
		}
	}
	s.primed = true

	if _, err := io.ReadFull(s.out, dst.Pix[:s.width*s.height*4]); err != nil {
		s.reap()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	return nil
}

// reap waits for the process once the reader is done with its output.
func (s *ffmpegStream) reap() {
	s.reaped.Do(func() {
		s.cancel()
		_ = s.cmd.Wait()
	})
}

// Close kills ffmpeg. The reader observes the closed pipe and reaps it.
func (s *ffmpegStream) Close() error {
	s.ticker.Stop()
	s.cancel()
	return nil
}
