// Package polly synthesizes answers to speech with Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
)

const (
	DefaultVoice = "Camila"
	// maxTextRunes is Polly's per-request limit for plain text input.
	maxTextRunes = 3000
)

type synthesizeAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Client struct {
	api   synthesizeAPI
	voice string
}

// New creates a Client. An empty voice uses DefaultVoice.
func New(api synthesizeAPI, voice string) (*Client, error) {
	if api == nil {
		return nil, errors.New("polly: api must not be nil")
	}
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = DefaultVoice
	}
	return &Client{api: api, voice: voice}, nil
}

// Synthesize returns MP3 audio for text using the neural engine.
// An empty voice uses the client's configured voice.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("polly: text must not be empty")
	}
	if r := []rune(text); len(r) > maxTextRunes {
		text = string(r[:maxTextRunes])
	}
	if strings.TrimSpace(voice) == "" {
		voice = c.voice
	}

	out, err := c.api.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		VoiceId:      types.VoiceId(voice),
		OutputFormat: types.OutputFormatMp3,
		Engine:       types.EngineNeural,
		TextType:     types.TextTypeText,
	})
	if err != nil {
		return nil, fmt.Errorf("polly: SynthesizeSpeech: %w", err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly: SynthesizeSpeech: empty audio stream")
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("polly: read audio stream: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("polly: SynthesizeSpeech: empty audio stream")
	}
	return audio, nil
}
