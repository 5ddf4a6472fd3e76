// Package feedback speaks command feedback and confirms it through an intent
// recognizer.
package feedback

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/polly"
	"github.com/aws/aws-sdk-go/service/polly/pollyiface"
)

// Audio formats understood by the synthesizer.
const (
	FormatOggVorbis = polly.OutputFormatOggVorbis
	FormatMP3       = polly.OutputFormatMp3
	FormatPCM       = polly.OutputFormatPcm
)

// pcmSampleRate matches the recognizer's expected input.
const pcmSampleRate = "16000"

// Synthesizer renders text to audio in the given format.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, format string) ([]byte, error)
}

// PollySynthesizer renders speech with Amazon Polly.
type PollySynthesizer struct {
	api   pollyiface.PollyAPI
	voice string
}

// NewPollySynthesizer returns a synthesizer speaking with voice.
func NewPollySynthesizer(api pollyiface.PollyAPI, voice string) *PollySynthesizer {
	return &PollySynthesizer{api: api, voice: voice}
}

// Voice returns the configured voice id.
func (p *PollySynthesizer) Voice() string {
	return p.voice
}

// Synthesize calls SynthesizeSpeech and reads the whole audio stream.
func (p *PollySynthesizer) Synthesize(ctx context.Context, text, format string) ([]byte, error) {
	in := &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		OutputFormat: aws.String(format),
		VoiceId:      aws.String(p.voice),
	}
	if format == FormatPCM {
		in.SampleRate = aws.String(pcmSampleRate)
	}

	out, err := p.api.SynthesizeSpeechWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("synthesize %q: %w", text, err)
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("read audio stream: %w", err)
	}
	return audio, nil
}
