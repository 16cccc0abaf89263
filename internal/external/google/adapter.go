// Package google adapts Google Cloud Speech-to-Text to the external
// Transcriber interface.
package google

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-orchestrator/internal/external"
)

// rateLimitBackoff is how long the adapter reports itself limited after
// a ResourceExhausted response.
const rateLimitBackoff = time.Minute

// Adapter implements external.Transcriber over batch recognition.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Adapter struct {
	client *speech.Client

	mu           sync.Mutex
	limitedUntil time.Time
}

// New creates the adapter and its underlying client.
func New(ctx context.Context) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google speech client: %w", err)
	}
	return &Adapter{client: c}, nil
}

// Name implements external.Transcriber.
func (a *Adapter) Name() string { return "google-speech" }

// Type implements external.Transcriber.
func (a *Adapter) Type() external.ServiceType { return external.TypeCloud }

// Transcribe sends one batch recognize request.
func (a *Adapter) Transcribe(ctx context.Context, audio []float32, sampleRate int, language string) (external.Result, error) {
	if language == "" {
		language = "en-US"
	}

	resp, err := a.recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(sampleRate),
			LanguageCode:    language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm16(audio)},
		},
	})
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			a.mu.Lock()
			a.limitedUntil = time.Now().Add(rateLimitBackoff)
			a.mu.Unlock()
		}
		return external.Result{}, fmt.Errorf("google recognize: %w", err)
	}

	text := ""
	var confSum float64
	alternatives := 0
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if text != "" {
			text += " "
		}
		text += alt.Transcript
		confSum += float64(alt.Confidence)
		alternatives++
	}
	confidence := 0.0
	if alternatives > 0 {
		confidence = confSum / float64(alternatives)
	}
	return external.Result{Text: text, Confidence: confidence, Language: language}, nil
}

// recognize issues the request, retrying once when the failure is a
// transient gRPC error and the request context is still live.
func (a *Adapter) recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	resp, err := a.client.Recognize(ctx, req)
	if err == nil || !Retryable(err) || ctx.Err() != nil {
		return resp, err
	}
	return a.client.Recognize(ctx, req)
}

// CheckHealth reports whether the client is usable.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("google speech client not initialized")
	}
	return ctx.Err()
}

// RateLimitStatus implements external.Transcriber.
func (a *Adapter) RateLimitStatus() external.RateLimit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return external.RateLimit{
		Limited: time.Now().Before(a.limitedUntil),
		ResetAt: a.limitedUntil,
	}
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Retryable reports whether the error is a transient gRPC failure worth
// retrying at a higher level.
func Retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// pcm16 converts float PCM in [-1, 1] to 16-bit little-endian bytes.
func pcm16(audio []float32) []byte {
	out := make([]byte, len(audio)*2)
	for i, s := range audio {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
