package audio_test

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{"average", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"no overflow", []int16{32767, 32767}, []int16{32767}},
		{"trailing partial frame", []int16{10, 20, 30}, []int16{15}},
	}
	for _, tc := range tests {
		got := bytesToSamples(audio.StereoToMono(samplesToBytes(tc.in)))
		if !slices.Equal(got, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("same rate", func(t *testing.T) {
		pcm := samplesToBytes([]int16{1, 2, 3})
		if out := audio.Resample(pcm, 1, 22050, 22050); len(out) != len(pcm) {
			t.Errorf("len = %d, want %d", len(out), len(pcm))
		}
	})

	t.Run("upsample mono", func(t *testing.T) {
		got := bytesToSamples(audio.Resample(samplesToBytes([]int16{0, 100}), 1, 1, 2))
		want := []int16{0, 50, 100, 100}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("downsample mono", func(t *testing.T) {
		got := bytesToSamples(audio.Resample(samplesToBytes([]int16{0, 10, 20, 30}), 1, 2, 1))
		want := []int16{0, 20}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("stereo keeps channels apart", func(t *testing.T) {
		got := bytesToSamples(audio.Resample(samplesToBytes([]int16{0, 1000, 100, 2000}), 2, 1, 2))
		want := []int16{0, 1000, 50, 1500, 100, 2000, 100, 2000}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("zero rate", func(t *testing.T) {
		pcm := samplesToBytes([]int16{1, 2})
		if out := audio.Resample(pcm, 1, 0, 48000); len(out) != len(pcm) {
			t.Errorf("len = %d, want unchanged", len(out))
		}
	})
}

func TestConvert(t *testing.T) {
	t.Parallel()

	mono := audio.Format{SampleRate: 1, Channels: 1}
	stereo2 := audio.Format{SampleRate: 2, Channels: 2}

	out, err := audio.Convert(samplesToBytes([]int16{0, 100}), mono, stereo2)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []int16{0, 0, 50, 50, 100, 100, 100, 100}
	if got := bytesToSamples(out); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := audio.Convert([]byte{1, 2, 3}, mono, stereo2); !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("err = %v, want ErrOddLength", err)
	}
	if _, err := audio.Convert(nil, audio.Format{}, stereo2); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	if got := audio.Mono16k.String(); got != "16000Hz mono" {
		t.Errorf("got %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("got %q", got)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	ch := make(chan []byte, 3)
	ch <- []byte("a")
	ch <- []byte("b")
	close(ch)
	audio.Drain(ch)
	if _, ok := <-ch; ok {
		t.Error("channel not drained")
	}
}
