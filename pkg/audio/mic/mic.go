// Package mic captures microphone audio through miniaudio
// (github.com/gen2brain/malgo) and delivers it as [audio.Chunk] values.
//
// The device runs in signed 16-bit mode; each callback buffer is converted
// to normalised float32 on the device thread and handed to the registered
// [audio.ChunkFunc] without further buffering.
package mic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// Source is an [audio.Source] backed by the default capture device.
type Source struct {
	format   audio.Format
	periodMs int

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	stopCtx context.CancelFunc
}

// Option is a functional option for [New].
type Option func(*Source)

// WithPeriod sets the device callback period in milliseconds. Default: 10.
func WithPeriod(ms int) Option {
	return func(s *Source) { s.periodMs = ms }
}

// New creates a capture source at the given native format. The device is
// opened by Start.
func New(format audio.Format, opts ...Option) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	s := &Source{format: format, periodMs: 10}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Start implements [audio.Source]. It opens and starts the capture device;
// fn runs on miniaudio's device thread.
func (s *Source) Start(ctx context.Context, fn audio.ChunkFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return fmt.Errorf("mic: already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return fmt.Errorf("mic: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(s.periodMs)
	cfg.Alsa.NoMMap = 1

	channels := s.format.Channels
	rate := s.format.SampleRate
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			fn(audio.Chunk{
				Samples:    audio.FromInt16(audio.DecodePCM16(in)),
				SampleRate: rate,
				Channels:   channels,
				Timestamp:  time.Now(),
			})
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("mic: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("mic: start device: %w", err)
	}

	s.mctx = mctx
	s.device = device

	watchCtx, cancel := context.WithCancel(ctx)
	s.stopCtx = cancel
	go func() {
		<-watchCtx.Done()
		if err := s.Stop(); err != nil {
			slog.Warn("mic: stop after context cancel", "err", err)
		}
	}()

	slog.Info("audio capture started", "format", s.format.String(), "period_ms", s.periodMs)
	return nil
}

// Stop implements [audio.Source]. It stops and releases the device.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}

	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	if uerr := s.mctx.Uninit(); uerr != nil && err == nil {
		err = uerr
	}
	s.mctx.Free()
	s.mctx = nil
	if err != nil {
		return fmt.Errorf("mic: stop: %w", err)
	}
	return nil
}

var _ audio.Source = (*Source)(nil)
