package synth_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/audio/synth"
)

func TestSource_EmitsChunksAtFormat(t *testing.T) {
	t.Parallel()
	src := synth.New(
		synth.WithFormat(audio.Format{SampleRate: 16000, Channels: 2}),
		synth.WithChunkDuration(5*time.Millisecond),
		synth.WithTone(440, 0.5),
	)

	got := make(chan audio.Chunk, 16)
	if err := src.Start(context.Background(), func(c audio.Chunk) {
		select {
		case got <- c:
		default:
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	select {
	case c := <-got:
		if c.SampleRate != 16000 || c.Channels != 2 {
			t.Errorf("format = %d Hz %d ch, want 16000 Hz 2 ch", c.SampleRate, c.Channels)
		}
		if c.Frames() != 80 {
			t.Errorf("frames = %d, want 80", c.Frames())
		}
		var peak float32
		for _, v := range c.Samples {
			peak = max(peak, v)
		}
		if peak <= 0 || peak > 0.5 {
			t.Errorf("peak = %v, want (0, 0.5]", peak)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk emitted")
	}
}

func TestSource_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	src := synth.New(synth.WithChunkDuration(time.Millisecond))
	if err := src.Start(context.Background(), func(audio.Chunk) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(context.Background(), func(audio.Chunk) {}); err == nil {
		t.Error("second Start succeeded, want error")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSource_InvalidFormat(t *testing.T) {
	t.Parallel()
	src := synth.New(synth.WithFormat(audio.Format{SampleRate: 0, Channels: 1}))
	if err := src.Start(context.Background(), func(audio.Chunk) {}); err == nil {
		t.Error("Start with zero sample rate succeeded")
	}
}
