package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/laserguidance/targeting/pkg/core"
)

// Config selects voice, formats and the recognizer bot.
type Config struct {
	Voice       string      `mapstructure:"voice" validate:"required"`
	Format      string      `mapstructure:"format" validate:"oneof=ogg_vorbis mp3 pcm"`
	Confirm     bool        `mapstructure:"confirm"`
	BotName     string      `mapstructure:"botName" validate:"required_if=Confirm true"`
	BotAlias    string      `mapstructure:"botAlias" validate:"required_if=Confirm true"`
	ContentType string      `mapstructure:"contentType"`
	Retry       RetryPolicy `mapstructure:"retry"`
	CacheSize   int         `mapstructure:"cacheSize" validate:"gte=0"`
	PlayerCmd   []string    `mapstructure:"playerCmd"`
}

// Speaker renders and plays phrases, reusing cached renderings.
type Speaker struct {
	synth  Synthesizer
	cache  Cache
	player Player
	voice  string
	format string
	logger *slog.Logger
}

// NewSpeaker wires a speaker. voice only namespaces cache keys; the
// synthesizer decides the actual voice.
func NewSpeaker(synth Synthesizer, cache Cache, player Player, voice, format string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		synth:  synth,
		cache:  cache,
		player: player,
		voice:  voice,
		format: format,
		logger: logger,
	}
}

// Say plays text. A cache failure is logged and the text is synthesized anyway.
func (s *Speaker) Say(ctx context.Context, text string) error {
	audio, err := s.render(ctx, text)
	if err != nil {
		return err
	}
	if err := s.player.Play(ctx, audio, s.format); err != nil {
		return fmt.Errorf("play %q: %w", text, err)
	}
	return nil
}

func (s *Speaker) render(ctx context.Context, text string) ([]byte, error) {
	key := CacheKey(s.voice, s.format, text)
	audio, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("audio cache lookup failed", "key", key, "error", err)
	}
	if ok {
		return audio, nil
	}

	audio, err = s.synth.Synthesize(ctx, text, s.format)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, audio); err != nil {
		s.logger.Warn("audio cache store failed", "key", key, "error", err)
	}
	return audio, nil
}

// Announcement is the phrase spoken for a command. After a hit that moved to
// a new target, the new target is named as well.
func Announcement(cmd core.Command, target string, retargeted bool) string {
	phrase := cmd.Phrase()
	if cmd == core.CommandHit && retargeted && target != "" {
		return strings.Join([]string{phrase, "next target", target}, ", ")
	}
	return phrase
}
