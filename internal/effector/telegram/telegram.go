// Package telegram delivers attempt messages to a Telegram chat and turns the
// "Got it" button under them into out-of-band acknowledgments.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"chronobot/internal/domain"
	"chronobot/internal/executor"
	rtsup "chronobot/internal/runtime/supervisor"
	logx "chronobot/pkg/logx"
)

// ackUnique is the callback endpoint of the acknowledgment button.
const ackUnique = "ack"

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	ParseMode   string
	PollTimeout time.Duration // default 10s
	RatePerSec  int           // default 3
}

// Acknowledger records a button press against a pending action. It rejects
// unknown ids and actions that do not wait for acknowledgment.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id int64) error
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Bot is an executor.Effector backed by a Telegram bot.
type Bot struct {
	cfg     Config
	log     logx.Logger
	acker   Acknowledger
	bot     *tele.Bot
	send    sender
	limiter *rate.Limiter

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	return c
}

// New connects to the Bot API. acker may be nil, in which case the button is
// still shown but presses are refused.
func New(cfg Config, acker Acknowledger, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	cfg = cfg.withDefaults()
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	b := newBot(cfg, tb, acker, log)
	b.bot = tb
	tb.Handle(&tele.Btn{Unique: ackUnique}, b.onAck)
	return b, nil
}

func newBot(cfg Config, s sender, acker Acknowledger, log logx.Logger) *Bot {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "effector.telegram")),
		acker:   acker,
		send:    s,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Deliver sends the message text. Effect plans are for device effectors and
// are not rendered here. Actions that wait for acknowledgment get a
// "Got it" button on the first chunk.
func (b *Bot) Deliver(ctx context.Context, d executor.Delivery) error {
	text := strings.TrimSpace(d.Message)
	if text == "" {
		return nil
	}
	to := &tele.Chat{ID: b.cfg.ChatID}
	for i, chunk := range splitText(text, textLimit, b.cfg.ParseMode) {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             tele.ParseMode(b.cfg.ParseMode),
			DisableWebPagePreview: true,
			ThreadID:              b.cfg.ThreadID,
		}
		if i == 0 && d.Mode == domain.ModeRetryUntilAcknowledged {
			opt.ReplyMarkup = ackMarkup(d.ActionID)
		}
		if _, err := b.send.Send(to, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func ackMarkup(actionID int64) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	btn := m.Data("Got it", ackUnique, strconv.FormatInt(actionID, 10))
	m.Inline(m.Row(btn))
	return m
}

func (b *Bot) onAck(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := "Noted"
	if err := b.acknowledge(ctx, c.Data()); err != nil {
		b.log.Warn("ack refused", logx.String("data", c.Data()), logx.Err(err))
		msg = ackRefusal(err)
	}
	return c.Respond(&tele.CallbackResponse{Text: msg})
}

func ackRefusal(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "Unknown reminder"
	case domain.IsValidation(err):
		return "Nothing to acknowledge"
	default:
		return "Could not record that, try again"
	}
}

// acknowledge parses callback data and hands the id to the acknowledger.
// Callback data comes from the client and is checked like any other input.
func (b *Bot) acknowledge(ctx context.Context, data string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil || id <= 0 {
		return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid action id %q", data)}
	}
	if b.acker == nil {
		return errors.New("acknowledgments are not enabled")
	}
	if err := b.acker.Acknowledge(ctx, id); err != nil {
		return err
	}
	b.log.Info("acknowledged", logx.Int64("action_id", id))
	return nil
}

// Start begins long polling for button presses.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil || b.bot == nil {
		return
	}
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	tb := b.bot
	b.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		tb.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still wanted.
	b.sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		tb.Start()
		b.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling. It never blocks shutdown for more than a short grace
// window even if the long poll is still waiting.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		return err
	}
	return nil
}
