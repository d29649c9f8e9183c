package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"loombot/internal/config"
	"loombot/internal/metrics"
	"loombot/internal/queue"
)

const Platform = "telegram"

// Gateway normalizes inbound telegram updates into turn jobs and
// delivers finished replies, including media dispatch tags.
type Gateway struct {
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	tenantID    int64
	mediaDir    string
	mediaMaxAge time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	TenantID    int64
	Tools       config.ToolsConfig
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewGateway(cfg Config) *Gateway {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TenantID == 0 {
		cfg.TenantID = 1
	}
	return &Gateway{
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		tenantID:    cfg.TenantID,
		mediaDir:    cfg.Tools.MediaDir,
		mediaMaxAge: cfg.Tools.MediaMaxAge,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (g *Gateway) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", g.start))
	d.AddHandler(handlers.NewCommand("help", g.help))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) || msg.Photo != nil || msg.Voice != nil || msg.Document != nil
	}, g.onMessage))
}

func (g *Gateway) start(b *gotgbot.Bot, ctx *ext.Context) error {
	_, err := ctx.EffectiveMessage.Reply(b, "Hi! Just send me a message and I'll answer.", nil)
	return err
}

func (g *Gateway) help(b *gotgbot.Bot, ctx *ext.Context) error {
	_, err := ctx.EffectiveMessage.Reply(b, "Talk to me like you would to a person. I can search the web, check the weather, do math and more.", nil)
	return err
}

func (g *Gateway) onMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}

	senderID := strconv.FormatInt(msg.From.Id, 10)
	allowed, _, resetAt, err := g.rateLimiter.Allow(context.Background(), Platform, senderID, time.Now())
	if err != nil {
		g.logger.Error().Err(err).Msg("rate limit check failed")
	} else if !allowed {
		_, _ = msg.Reply(b, fmt.Sprintf("You've hit the hourly message limit. Try again after %s.", resetAt.UTC().Format("15:04 MST")), nil)
		return nil
	}

	job := g.normalize(b, msg)
	if job.Text == "" && job.MediaURL == "" {
		return nil
	}
	if _, err := g.queue.Enqueue(context.Background(), job); err != nil {
		g.logger.Error().Err(err).Msg("enqueue turn job failed")
		_, _ = msg.Reply(b, "I couldn't take that message, please try again.", nil)
		return nil
	}
	g.metrics.EnqueuedJobs.Inc()
	return nil
}

// normalize maps one telegram message to the engine's turn shape. Group
// chats share one conversation per group, private chats one per sender.
func (g *Gateway) normalize(b *gotgbot.Bot, msg *gotgbot.Message) queue.TurnJob {
	chatType := "private"
	groupID := ""
	conversationID := Platform + ":private:" + strconv.FormatInt(msg.From.Id, 10)
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		chatType = "group"
		groupID = strconv.FormatInt(msg.Chat.Id, 10)
		conversationID = Platform + ":group:" + groupID
	}

	senderName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	job := queue.TurnJob{
		TenantID:       g.tenantID,
		ConversationID: conversationID,
		Platform:       Platform,
		ChatType:       chatType,
		GroupID:        groupID,
		SenderID:       strconv.FormatInt(msg.From.Id, 10),
		SenderName:     senderName,
		Text:           text,
		ReplyChatID:    msg.Chat.Id,
		ReplyMessageID: msg.MessageId,
	}

	if fileID, mime := inboundMedia(msg); fileID != "" {
		f, err := b.GetFile(fileID, nil)
		if err != nil {
			g.logger.Warn().Err(err).Msg("resolve inbound media failed")
		} else {
			job.MediaURL = fmt.Sprintf("%s/file/bot%s/%s", gotgbot.DefaultAPIURL, b.Token, f.FilePath)
			job.MediaMIME = mime
		}
	}
	return job
}

func inboundMedia(msg *gotgbot.Message) (fileID, mime string) {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileId, "image/jpeg"
	case msg.Voice != nil:
		return msg.Voice.FileId, msg.Voice.MimeType
	case msg.Document != nil:
		return msg.Document.FileId, msg.Document.MimeType
	}
	return "", ""
}

// Deliverer binds a bot instance to the gateway's outbound path.
type Deliverer struct {
	Bot     *gotgbot.Bot
	Gateway *Gateway
}

// DeliverText sends the reply, first stripping media dispatch tags and
// sending the referenced media. Local media must live inside the managed
// directory and be fresh enough; stale or foreign paths are dropped.
func (d Deliverer) DeliverText(ctx context.Context, job queue.TurnJob, text string) error {
	clean, refs := splitMediaTags(text)
	for _, ref := range refs {
		if err := d.sendMedia(ctx, job, ref); err != nil {
			d.Gateway.logger.Warn().Err(err).Str("source", ref.Source).Msg("media dispatch failed")
		}
	}
	if clean == "" {
		return nil
	}
	if runes := []rune(clean); len(runes) > 4000 {
		clean = string(runes[:4000])
	}

	opts := &gotgbot.SendMessageOpts{}
	if job.ReplyMessageID > 0 && job.ChatType == "group" {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.ReplyMessageID}
	}
	_, err := d.Bot.SendMessageWithContext(ctx, job.ReplyChatID, clean, opts)
	if err != nil {
		return fmt.Errorf("send telegram response: %w", err)
	}
	return nil
}

func (d Deliverer) sendMedia(ctx context.Context, job queue.TurnJob, ref mediaRef) error {
	var payload gotgbot.InputFileOrString
	if strings.HasPrefix(ref.Source, "http://") || strings.HasPrefix(ref.Source, "https://") {
		payload = gotgbot.InputFileByURL(ref.Source)
	} else {
		f, err := d.Gateway.openManagedMedia(ref.Source)
		if err != nil {
			return err
		}
		defer f.Close()
		payload = gotgbot.InputFileByReader(filepath.Base(ref.Source), f)
	}

	var err error
	switch ref.Type {
	case "image":
		_, err = d.Bot.SendPhotoWithContext(ctx, job.ReplyChatID, payload, nil)
	case "video":
		_, err = d.Bot.SendVideoWithContext(ctx, job.ReplyChatID, payload, nil)
	case "audio":
		_, err = d.Bot.SendAudioWithContext(ctx, job.ReplyChatID, payload, nil)
	default:
		_, err = d.Bot.SendDocumentWithContext(ctx, job.ReplyChatID, payload, nil)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", ref.Type, err)
	}
	return nil
}

// openManagedMedia enforces the managed-directory and freshness rules on
// local media references before anything leaves the host.
func (g *Gateway) openManagedMedia(source string) (*os.File, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("resolve media path: %w", err)
	}
	dir, err := filepath.Abs(g.mediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolve media dir: %w", err)
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("media path outside managed directory")
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}
	if g.mediaMaxAge > 0 && time.Since(info.ModTime()) > g.mediaMaxAge {
		return nil, fmt.Errorf("media file is stale")
	}
	return os.Open(abs)
}
