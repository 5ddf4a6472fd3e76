package main

import (
	"errors"

	"github.com/aws/aws-sdk-go/service/lexruntimeservice"
	"github.com/aws/aws-sdk-go/service/polly"
	"github.com/redis/go-redis/v9"

	"github.com/laserguidance/targeting/internal/bootstrap"
	"github.com/laserguidance/targeting/internal/feedback"
)

const audioCachePrefix = "lg:audio:"

// newFeedback wires speech synthesis, the audio cache and playback, plus
// intent confirmation when enabled. The confirmer is nil otherwise.
func newFeedback(env *bootstrap.Env, userID string) (*feedback.Speaker, *feedback.Confirmer, error) {
	cfg := env.Config.Feedback
	sess, err := env.AWS()
	if err != nil {
		return nil, nil, err
	}
	synth := feedback.NewPollySynthesizer(polly.New(sess), cfg.Voice)

	var cache feedback.Cache = feedback.NewMemoryCache(cfg.CacheSize)
	if rc := env.Config.Redis; rc.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		cache = feedback.NewRedisCache(client, audioCachePrefix, rc.TTL)
		env.Logger.Info("Caching audio in redis", "addr", rc.Addr)
	}

	if len(cfg.PlayerCmd) == 0 {
		return nil, nil, errors.New("feedback.playerCmd is required for voice feedback")
	}
	player := feedback.NewExecPlayer(cfg.PlayerCmd[0], cfg.PlayerCmd[1:]...)
	speaker := feedback.NewSpeaker(synth, cache, player, cfg.Voice, cfg.Format, env.Logger)

	if !cfg.Confirm {
		return speaker, nil, nil
	}
	rec := feedback.NewLexRecognizer(lexruntimeservice.New(sess), cfg.BotName, cfg.BotAlias, userID)
	return speaker, feedback.NewConfirmer(synth, rec, cfg.Retry, cfg.ContentType, env.Logger), nil
}
