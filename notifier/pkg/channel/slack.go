package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/notifier/pkg/dedup"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
	"github.com/slack-go/slack"
)

type SlackConfig struct {
	Logger    *slog.Logger
	Token     string
	ChannelID string

	// APIURL overrides the Slack API base URL. Must end with a slash.
	APIURL      string
	ExplorerURL string
	Retry       retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == "" {
		return errors.New("slack token is required")
	}
	if cfg.ChannelID == "" {
		return errors.New("slack channel id is required")
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = DefaultExplorerURL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isSlackRetryable
	}
	return nil
}

// Slack posts distribution notifications with chat.postMessage.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
	api *slack.Client
}

var _ dedup.Channel = (*Slack)(nil)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{log: cfg.Logger, cfg: cfg, api: slack.New(cfg.Token, opts...)}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, n dedup.Notification) error {
	blocks := s.blocks(n)
	var ts string
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		var err error
		_, ts, err = s.api.PostMessageContext(ctx, s.cfg.ChannelID,
			slack.MsgOptionText(summary(n), false),
			slack.MsgOptionBlocks(blocks...),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	s.log.Debug("slack: distribution posted", "channel", s.cfg.ChannelID, "ts", ts)
	return nil
}

func (s *Slack) blocks(n dedup.Notification) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("Distribution #%d", n.DistributionCount), false, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Paid to holders*\n"+ledger.FormatSOL(n.PaidToHolders)+" SOL", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Paid to treasury*\n"+ledger.FormatSOL(n.PaidToTreasury)+" SOL", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Cycle*\n"+label(n), false, false),
	}
	if n.SettlementRef != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Settlement*\n<%s%s|view transaction>", s.cfg.ExplorerURL, n.SettlementRef), false, false))
	}
	section := slack.NewSectionBlock(nil, fields, nil)

	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, "Cumulative totals. Fingerprint `"+short(n.Fingerprint)+"`", false, false))

	return []slack.Block{header, section, footer}
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

// isSlackRetryable treats throttling and server errors as transient. API
// errors such as channel_not_found or invalid_auth are configuration issues.
func isSlackRetryable(err error) bool {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return retry.IsRetryable(err)
}
