package feedback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lexruntimeservice"
	"github.com/aws/aws-sdk-go/service/lexruntimeservice/lexruntimeserviceiface"
)

// DefaultContentType describes 16 kHz mono PCM.
const DefaultContentType = "audio/x-l16; sample-rate=16000; channel-count=1"

// DialogElicitIntent is the dialog state returned when the utterance was not understood.
const DialogElicitIntent = lexruntimeservice.DialogStateElicitIntent

// ErrUnconfirmed is returned when the recognizer never understood the phrase
// within the retry policy.
var ErrUnconfirmed = errors.New("feedback not confirmed")

// Recognition is the recognizer's reading of one utterance.
type Recognition struct {
	DialogState string
	Intent      string
	Transcript  string
}

// Understood reports whether the recognizer matched an intent.
func (r Recognition) Understood() bool {
	return r.DialogState != DialogElicitIntent
}

// Recognizer classifies an utterance.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, contentType string) (Recognition, error)
}

// LexRecognizer posts audio to an Amazon Lex bot.
type LexRecognizer struct {
	api    lexruntimeserviceiface.LexRuntimeServiceAPI
	bot    string
	alias  string
	userID string
}

// NewLexRecognizer targets bot at alias on behalf of userID.
func NewLexRecognizer(api lexruntimeserviceiface.LexRuntimeServiceAPI, bot, alias, userID string) *LexRecognizer {
	return &LexRecognizer{api: api, bot: bot, alias: alias, userID: userID}
}

func (l *LexRecognizer) Recognize(ctx context.Context, audio []byte, contentType string) (Recognition, error) {
	out, err := l.api.PostContentWithContext(ctx, &lexruntimeservice.PostContentInput{
		BotName:     aws.String(l.bot),
		BotAlias:    aws.String(l.alias),
		UserId:      aws.String(l.userID),
		ContentType: aws.String(contentType),
		Accept:      aws.String("text/plain; charset=utf-8"),
		InputStream: bytes.NewReader(audio),
	})
	if err != nil {
		return Recognition{}, fmt.Errorf("post content: %w", err)
	}
	if out.AudioStream != nil {
		out.AudioStream.Close()
	}
	return Recognition{
		DialogState: aws.StringValue(out.DialogState),
		Intent:      aws.StringValue(out.IntentName),
		Transcript:  aws.StringValue(out.InputTranscript),
	}, nil
}

// RetryPolicy bounds re-posting an utterance that was not understood.
type RetryPolicy struct {
	MaxAttempts    int           `mapstructure:"maxAttempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff" validate:"gte=0"`
}

// DefaultRetryPolicy tries three times, 250ms then 500ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Backoff returns the wait before attempt n+1, doubling from InitialBackoff
// and capped at MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Confirmer checks that spoken feedback is understood by the recognizer.
type Confirmer struct {
	synth       Synthesizer
	recognizer  Recognizer
	policy      RetryPolicy
	contentType string
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewConfirmer wires a confirmer. An empty contentType uses DefaultContentType.
func NewConfirmer(synth Synthesizer, recognizer Recognizer, policy RetryPolicy, contentType string, logger *slog.Logger) *Confirmer {
	if contentType == "" {
		contentType = DefaultContentType
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		synth:       synth,
		recognizer:  recognizer,
		policy:      policy,
		contentType: contentType,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Confirm renders text as PCM and posts it until the recognizer understands
// it. After MaxAttempts the last recognition is returned with ErrUnconfirmed.
func (c *Confirmer) Confirm(ctx context.Context, text string) (Recognition, error) {
	audio, err := c.synth.Synthesize(ctx, text, FormatPCM)
	if err != nil {
		return Recognition{}, err
	}

	var last Recognition
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		last, err = c.recognizer.Recognize(ctx, audio, c.contentType)
		if err != nil {
			return Recognition{}, err
		}
		if last.Understood() {
			return last, nil
		}
		c.logger.Debug("utterance not understood", "text", text, "attempt", attempt, "dialogState", last.DialogState)
		if attempt == c.policy.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.policy.Backoff(attempt)); err != nil {
			return last, err
		}
	}
	return last, fmt.Errorf("%w: %q after %d attempts", ErrUnconfirmed, text, c.policy.MaxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
