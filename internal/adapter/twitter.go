package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dghubble/go-twitter/twitter"
	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"github.com/registrar-challenger/internal/config"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

const twitterPageSize = 200

// TwitterAdapter polls the registrar account's mentions. Users verify by
// tweeting their challenge token at the account. The since-id resume
// position is persisted so a restart never re-reads the whole timeline.
type TwitterAdapter struct {
	cfg      config.TwitterConfig
	sink     MessageSink
	counters CounterStore
	client   *twitter.Client
	limiter  *rate.Limiter
	log      *logging.Logger
}

// NewTwitterAdapter creates the twitter adapter
func NewTwitterAdapter(cfg config.TwitterConfig, sink MessageSink, counters CounterStore) *TwitterAdapter {
	oauthConfig := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	token := oauth1.NewToken(cfg.Token, cfg.TokenSecret)
	httpClient := oauthConfig.Client(oauth1.NoContext, token)

	return &TwitterAdapter{
		cfg:      cfg,
		sink:     sink,
		counters: counters,
		client:   twitter.NewClient(httpClient),
		// The mentions endpoint is heavily rate limited; one poll per
		// configured interval.
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval()), 1),
		log:     logging.GetGlobalLogger().WithField("component", "twitter"),
	}
}

// Run polls mentions until the context is cancelled
func (a *TwitterAdapter) Run(ctx context.Context) error {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.poll(ctx); err != nil {
			a.log.WithError(err).Error("Mentions poll failed")
		}
	}
}

func (a *TwitterAdapter) poll(ctx context.Context) error {
	sinceID, err := a.resumePosition(ctx)
	if err != nil {
		return err
	}

	params := &twitter.MentionTimelineParams{
		Count:     twitterPageSize,
		TweetMode: "extended",
	}
	if sinceID > 0 {
		params.SinceID = sinceID
	}

	tweets, _, err := a.client.Timelines.MentionTimeline(params)
	if err != nil {
		return apperrors.NewAdapterTransientError("twitter", fmt.Errorf("failed to fetch mentions: %w", err))
	}
	if len(tweets) == 0 {
		return nil
	}

	// Mentions arrive newest first; deliver oldest first so failed_attempts
	// counts follow real order.
	maxID := sinceID
	for i := len(tweets) - 1; i >= 0; i-- {
		tweet := tweets[i]
		if tweet.ID > maxID {
			maxID = tweet.ID
		}

		body := tweet.FullText
		if body == "" {
			body = tweet.Text
		}
		createdAt, _ := tweet.CreatedAtTime()

		msg := models.ExternalMessage{
			Adapter:   types.AdapterTwitter,
			Origin:    "@" + strings.ToLower(tweet.User.ScreenName),
			MessageID: tweet.IDStr,
			Body:      body,
			Timestamp: createdAt,
		}
		if err := a.sink.HandleMessage(ctx, msg); err != nil {
			a.log.WithError(err).WithField("tweetId", tweet.IDStr).Error("Failed to deliver mention")
		}
	}

	if maxID > sinceID {
		if err := a.counters.SetCounter(ctx, types.AdapterTwitter, strconv.FormatInt(maxID, 10)); err != nil {
			a.log.WithError(err).Warn("Failed to persist twitter resume position")
		}
	}
	return nil
}

// resumePosition loads the persisted since-id, zero when unset
func (a *TwitterAdapter) resumePosition(ctx context.Context) (int64, error) {
	last, err := a.counters.Counter(ctx, types.AdapterTwitter)
	if err != nil {
		return 0, fmt.Errorf("failed to load twitter resume position: %w", err)
	}
	if last == "" {
		return 0, nil
	}
	sinceID, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		a.log.WithField("counter", last).Warn("Discarding malformed twitter resume position")
		return 0, nil
	}
	return sinceID, nil
}
