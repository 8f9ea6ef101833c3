package scrcpy

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoCodec selects the helper's video encoder.
type VideoCodec string

const (
	VideoH264 VideoCodec = "h264"
	VideoH265 VideoCodec = "h265"
)

// AudioCodec selects the helper's audio encoder.
type AudioCodec string

const (
	AudioOpus AudioCodec = "opus"
	AudioAAC  AudioCodec = "aac"
)

// Config is a validated, immutable description of one streaming session.
// Build it with BuildConfig; never mutate it afterwards.
type Config struct {
	MaxSize      int        `json:"max_size"`
	BitRate      int        `json:"bit_rate"`
	MaxFPS       int        `json:"max_fps"`
	VideoCodec   VideoCodec `json:"video_codec"`
	Video        bool       `json:"video"`
	Audio        bool       `json:"audio"`
	AudioCodec   AudioCodec `json:"audio_codec"`
	AudioBitRate int        `json:"audio_bit_rate"`
	Control      bool       `json:"control"`

	DisplayID            *int   `json:"display_id,omitempty"`
	Crop                 string `json:"crop,omitempty"`
	LockVideoOrientation *int   `json:"lock_video_orientation,omitempty"`
}

// Overrides are caller-supplied parameter changes. A nil field keeps the
// default; a set field replaces it wholesale (no partial merging within a
// field).
type Overrides struct {
	MaxSize      *int        `json:"max_size,omitempty"`
	BitRate      *int        `json:"bit_rate,omitempty"`
	MaxFPS       *int        `json:"max_fps,omitempty"`
	VideoCodec   *VideoCodec `json:"video_codec,omitempty"`
	Video        *bool       `json:"video,omitempty"`
	Audio        *bool       `json:"audio,omitempty"`
	AudioCodec   *AudioCodec `json:"audio_codec,omitempty"`
	AudioBitRate *int        `json:"audio_bit_rate,omitempty"`
	Control      *bool       `json:"control,omitempty"`

	DisplayID            *int    `json:"display_id,omitempty"`
	Crop                 *string `json:"crop,omitempty"`
	LockVideoOrientation *int    `json:"lock_video_orientation,omitempty"`
}

// ValidationError reports the first configuration constraint violated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DefaultConfig returns the stock streaming parameters.
func DefaultConfig() Config {
	return Config{
		MaxSize:      1920,
		BitRate:      8_000_000,
		MaxFPS:       60,
		VideoCodec:   VideoH264,
		Video:        true,
		Audio:        true,
		AudioCodec:   AudioOpus,
		AudioBitRate: 128_000,
		Control:      true,
	}
}

// BuildConfig merges overrides onto defaults field-by-field and validates
// the result. Validation is fail-fast: the first violated constraint is
// reported and no partial config escapes.
func BuildConfig(defaults Config, o Overrides) (Config, error) {
	c := defaults
	if o.MaxSize != nil {
		c.MaxSize = *o.MaxSize
	}
	if o.BitRate != nil {
		c.BitRate = *o.BitRate
	}
	if o.MaxFPS != nil {
		c.MaxFPS = *o.MaxFPS
	}
	if o.VideoCodec != nil {
		c.VideoCodec = *o.VideoCodec
	}
	if o.Video != nil {
		c.Video = *o.Video
	}
	if o.Audio != nil {
		c.Audio = *o.Audio
	}
	if o.AudioCodec != nil {
		c.AudioCodec = *o.AudioCodec
	}
	if o.AudioBitRate != nil {
		c.AudioBitRate = *o.AudioBitRate
	}
	if o.Control != nil {
		c.Control = *o.Control
	}
	if o.DisplayID != nil {
		c.DisplayID = o.DisplayID
	}
	if o.Crop != nil {
		c.Crop = *o.Crop
	}
	if o.LockVideoOrientation != nil {
		c.LockVideoOrientation = o.LockVideoOrientation
	}

	if err := c.validate(o); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate(o Overrides) error {
	if !c.Video && !c.Audio && !c.Control {
		return &ValidationError{Field: "video", Reason: "at least one stream must be enabled"}
	}
	if c.MaxSize != 0 && (c.MaxSize < 256 || c.MaxSize > 7680) {
		return &ValidationError{Field: "max_size", Reason: fmt.Sprintf("must be 0 (unlimited) or 256-7680, got %d", c.MaxSize)}
	}
	if c.BitRate <= 0 {
		return &ValidationError{Field: "bit_rate", Reason: "must be positive"}
	}
	if c.MaxFPS < 1 || c.MaxFPS > 120 {
		return &ValidationError{Field: "max_fps", Reason: fmt.Sprintf("must be 1-120, got %d", c.MaxFPS)}
	}
	switch c.VideoCodec {
	case VideoH264, VideoH265:
	default:
		return &ValidationError{Field: "video_codec", Reason: fmt.Sprintf("unknown codec %q", c.VideoCodec)}
	}
	switch c.AudioCodec {
	case AudioOpus, AudioAAC:
	default:
		return &ValidationError{Field: "audio_codec", Reason: fmt.Sprintf("unknown codec %q", c.AudioCodec)}
	}
	if !c.Audio {
		// Asking for an audio codec or bitrate while disabling audio is a
		// contradiction, not a merge.
		if o.AudioCodec != nil {
			return &ValidationError{Field: "audio_codec", Reason: "audio codec set but audio disabled"}
		}
		if o.AudioBitRate != nil {
			return &ValidationError{Field: "audio_bit_rate", Reason: "audio bitrate set but audio disabled"}
		}
	}
	if c.Audio && c.AudioBitRate <= 0 {
		return &ValidationError{Field: "audio_bit_rate", Reason: "must be positive"}
	}
	if c.DisplayID != nil && *c.DisplayID < 0 {
		return &ValidationError{Field: "display_id", Reason: "must be non-negative"}
	}
	if c.Crop != "" {
		if err := validateCrop(c.Crop); err != nil {
			return &ValidationError{Field: "crop", Reason: err.Error()}
		}
	}
	if c.LockVideoOrientation != nil && (*c.LockVideoOrientation < 0 || *c.LockVideoOrientation > 3) {
		return &ValidationError{Field: "lock_video_orientation", Reason: "must be 0-3"}
	}
	return nil
}

// validateCrop checks the "width:height:x:y" format.
func validateCrop(crop string) error {
	parts := strings.Split(crop, ":")
	if len(parts) != 4 {
		return fmt.Errorf("want width:height:x:y, got %q", crop)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return fmt.Errorf("non-numeric component %q", p)
		}
	}
	return nil
}

// StreamKinds lists the enabled streams in socket-connect order:
// control first, then video, then audio.
func (c Config) StreamKinds() []string {
	var kinds []string
	if c.Control {
		kinds = append(kinds, "control")
	}
	if c.Video {
		kinds = append(kinds, "video")
	}
	if c.Audio {
		kinds = append(kinds, "audio")
	}
	return kinds
}

// Args renders the helper's key=value argument list.
func (c Config) Args(scid string) []string {
	args := []string{
		"scid=" + scid,
		fmt.Sprintf("max_size=%d", c.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", c.BitRate),
		fmt.Sprintf("max_fps=%d", c.MaxFPS),
		fmt.Sprintf("video_codec=%s", c.VideoCodec),
		fmt.Sprintf("video=%t", c.Video),
	}
	if c.Audio {
		args = append(args,
			"audio=true",
			fmt.Sprintf("audio_codec=%s", c.AudioCodec),
			fmt.Sprintf("audio_bit_rate=%d", c.AudioBitRate),
		)
	} else {
		args = append(args, "audio=false")
	}
	args = append(args, fmt.Sprintf("control=%t", c.Control))

	if c.DisplayID != nil {
		args = append(args, fmt.Sprintf("display_id=%d", *c.DisplayID))
	}
	if c.Crop != "" {
		args = append(args, "crop="+c.Crop)
	}
	if c.LockVideoOrientation != nil {
		args = append(args, fmt.Sprintf("lock_video_orientation=%d", *c.LockVideoOrientation))
	}

	// Fixed reliability settings: the supervisor depends on the device and
	// frame metadata headers, and the helper must clean up after itself.
	args = append(args,
		"tunnel_forward=true",
		"send_device_meta=true",
		"send_frame_meta=true",
		"send_codec_meta=true",
		"send_dummy_byte=false",
		"downsize_on_error=false",
		"cleanup=true",
		"power_off_on_close=false",
	)
	return args
}

// Command renders the full on-device invocation for the helper process.
func (c Config) Command(remotePath, version, scid string) string {
	return fmt.Sprintf("CLASSPATH=%s app_process / com.genymobile.scrcpy.Server %s %s",
		remotePath, version, strings.Join(c.Args(scid), " "))
}
