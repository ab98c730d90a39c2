package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Voice-note preparation. WhatsApp push-to-talk audio wants OGG/Opus
// mono 48kHz plus a 64-sample waveform and a duration; everything here
// shells out to ffmpeg/ffprobe the same way the rest of the stack does.

const waveformSamples = 64

// ConvertToVoiceNote transcodes arbitrary audio into OGG/Opus suitable
// for a push-to-talk message.
func ConvertToVoiceNote(audio []byte) ([]byte, error) {
	in, err := tempAudioFile("voice-in-*", audio)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)

	out, err := os.CreateTemp("", "voice-out-*.ogg")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	cmd := exec.Command("ffmpeg",
		"-i", in,
		"-c:a", "libopus",
		"-b:a", "64k",
		"-ar", "48000",
		"-ac", "1",
		"-application", "voip",
		"-frame_duration", "20",
		"-y",
		outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg transcode: %w, output: %s", err, string(output))
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted audio: %w", err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("ffmpeg produced empty output")
	}
	return converted, nil
}

// AudioWaveform decodes OGG/Opus to PCM and aggregates it into the
// 64-bucket 0..100 amplitude profile the protocol renders as bars.
func AudioWaveform(audio []byte) ([]byte, error) {
	in, err := tempAudioFile("waveform-*.ogg", audio)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)

	cmd := exec.Command("ffmpeg",
		"-v", "error",
		"-i", in,
		"-ac", "1",
		"-ar", "16000",
		"-f", "s16le",
		"pipe:1",
	)
	pcm, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}
	if len(pcm) < 2 {
		return make([]byte, waveformSamples), nil
	}

	numSamples := len(pcm) / 2
	abs := make([]float64, numSamples)
	for i := 0; i < numSamples; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		if v < 0 {
			v = -v
		}
		abs[i] = v / 32768.0
	}

	blockSize := numSamples / waveformSamples
	if blockSize < 1 {
		blockSize = 1
	}
	buckets := make([]float64, waveformSamples)
	for i := 0; i < waveformSamples; i++ {
		start := i * blockSize
		if start >= numSamples {
			break
		}
		end := start + blockSize
		if end > numSamples {
			end = numSamples
		}
		sum := 0.0
		for j := start; j < end; j++ {
			sum += abs[j]
		}
		buckets[i] = sum / float64(end-start)
	}

	maxVal := 0.0
	for _, v := range buckets {
		if v > maxVal {
			maxVal = v
		}
	}
	wave := make([]byte, waveformSamples)
	if maxVal <= 0 {
		return wave, nil
	}
	for i, v := range buckets {
		scaled := int(math.Floor(100.0 * (v / maxVal)))
		if scaled > 100 {
			scaled = 100
		}
		wave[i] = byte(scaled)
	}
	return wave, nil
}

// AudioDuration reads the length of an audio clip in whole seconds via
// ffprobe.
func AudioDuration(audio []byte) (uint32, error) {
	in, err := tempAudioFile("duration-*.ogg", audio)
	if err != nil {
		return 0, err
	}
	defer os.Remove(in)

	cmd := exec.Command("ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		in,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	s := strings.TrimSpace(string(output))
	if s == "" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return uint32(math.Round(d)), nil
}

func tempAudioFile(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	f.Close()
	return f.Name(), nil
}
