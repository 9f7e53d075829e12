package ffmpeg

import (
	"errors"
	"slices"
	"testing"
)

func TestCommandArgs(t *testing.T) {
	t.Parallel()

	c := Command{
		Global: []Option{Flag("y")},
		Inputs: []Input{
			{Options: []Option{Opt("f", "s16le"), Opt("ar", "8000")}, Source: "/tmp/a"},
			{Options: []Option{Opt("f", "h264")}, Source: "/tmp/v"},
		},
		FilterComplex: "[1:v]null[v]",
		Outputs: []Output{
			{Options: []Option{Opt("map", "[v]"), Opt("c:v", "copy")}, Target: "out.mp4"},
		},
	}
	want := []string{
		"-y",
		"-f", "s16le", "-ar", "8000", "-i", "/tmp/a",
		"-f", "h264", "-i", "/tmp/v",
		"-filter_complex", "[1:v]null[v]",
		"-map", "[v]", "-c:v", "copy", "out.mp4",
	}
	if got := c.Args(); !slices.Equal(got, want) {
		t.Errorf("Args =\n%q\nwant\n%q", got, want)
	}
}

func TestParseStreams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		json    string
		want    StreamInfo
		wantErr error
	}{
		{
			name: "h264 with audio",
			json: `{"streams":[{"codec_type":"video","codec_name":"h264","width":1920,"height":1080,"avg_frame_rate":"25/1","r_frame_rate":"25/1"},{"codec_type":"audio","codec_name":"pcm_alaw"}]}`,
			want: StreamInfo{Codec: "h264", Width: 1920, Height: 1080, FrameRate: 25, HasAudio: true},
		},
		{
			name: "avg rate zero denominator falls back",
			json: `{"streams":[{"codec_type":"video","codec_name":"hevc","width":640,"height":480,"avg_frame_rate":"0/0","r_frame_rate":"30000/1001"}]}`,
			want: StreamInfo{Codec: "hevc", Width: 640, Height: 480, FrameRate: 30000.0 / 1001},
		},
		{
			name:    "audio only",
			json:    `{"streams":[{"codec_type":"audio","codec_name":"aac"}]}`,
			wantErr: ErrNoVideo,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseStreams([]byte(tc.json))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStreams: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"30/1", 30, true},
		{"15", 15, true},
		{"0/0", 0, false},
		{"", 0, false},
		{"abc/1", 0, false},
	}
	for _, tc := range tests {
		got, ok := parseRate(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseRate(%q) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
