package websocket

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/puertocho/pkg/audio"
)

func TestEncodeOpus_LengthPrefixedPackets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		samples     int
		channels    int
		wantPackets int
	}{
		{name: "exact frames", samples: 640, channels: 1, wantPackets: 2},
		{name: "padded tail", samples: 700, channels: 1, wantPackets: 3},
		{name: "stereo", samples: 1280, channels: 2, wantPackets: 2},
		{name: "empty", samples: 0, channels: 1, wantPackets: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := make([]int16, tt.samples)
			for i := range pcm {
				pcm[i] = int16((i % 64) * 256)
			}
			out, err := encodeOpus(pcm, 16000, tt.channels)
			if err != nil {
				t.Fatalf("encodeOpus: %v", err)
			}
			packets := 0
			for len(out) > 0 {
				if len(out) < 2 {
					t.Fatalf("truncated length prefix")
				}
				n := int(binary.BigEndian.Uint16(out))
				if n == 0 || len(out) < 2+n {
					t.Fatalf("packet %d: bad length %d with %d bytes left", packets, n, len(out)-2)
				}
				out = out[2+n:]
				packets++
			}
			if packets != tt.wantPackets {
				t.Errorf("packets = %d, want %d", packets, tt.wantPackets)
			}
		})
	}
}

func TestEncodeOpus_UnsupportedRate(t *testing.T) {
	t.Parallel()
	if _, err := encodeOpus(make([]int16, 441), 44100, 1); err == nil {
		t.Error("encodeOpus accepted 44100 Hz")
	}
}

func TestNew_UnknownEncoding(t *testing.T) {
	t.Parallel()
	if _, err := New("ws://localhost:1", WithEncoding("flac")); err == nil {
		t.Error("New accepted unknown encoding")
	}
}

func TestEncodePayload(t *testing.T) {
	t.Parallel()
	stereo := audio.Capture{Samples: make([]float32, 2*44100/10), SampleRate: 44100, Channels: 2}
	wide := audio.Capture{Samples: make([]float32, 480), SampleRate: 48000, Channels: 1}

	pcm, err := New("ws://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opus, err := New("ws://localhost:1", WithEncoding(EncodingOpus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name        string
		link        *Link
		capt        audio.Capture
		wantFormat  audio.Format
		wantSamples int
	}{
		{name: "pcm keeps device format", link: pcm, capt: stereo, wantFormat: audio.Format{SampleRate: 44100, Channels: 2}, wantSamples: 8820},
		{name: "opus resamples unsupported rate", link: opus, capt: stereo, wantFormat: audio.Format{SampleRate: 16000, Channels: 1}, wantSamples: 1600},
		{name: "opus keeps supported rate", link: opus, capt: wide, wantFormat: audio.Format{SampleRate: 48000, Channels: 1}, wantSamples: 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := tt.link.encodePayload(tt.capt)
			if err != nil {
				t.Fatalf("encodePayload: %v", err)
			}
			if p.format != tt.wantFormat {
				t.Errorf("format = %+v, want %+v", p.format, tt.wantFormat)
			}
			if p.samples != tt.wantSamples {
				t.Errorf("samples = %d, want %d", p.samples, tt.wantSamples)
			}
			if len(p.data) == 0 {
				t.Error("empty payload")
			}
		})
	}
}
