// Package telegram answers photo messages with the spoken text of the photo.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/imaging"
	"github.com/lexiqai/page-speaker/internal/pipeline"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/tts"
)

const (
	pollTimeout   = 30 // seconds, long polling
	minRetryDelay = 1 * time.Second
	maxRetryDelay = 15 * time.Second
	idleDelay     = 200 * time.Millisecond

	startText    = "Send me a photo of a page and I will read it aloud."
	noPhotoText  = "Please send a photo or an image file."
	tooLargeText = "This image is too large."
	failedText   = "Sorry, I could not read this image."
	decodeText   = "This file does not look like an image I can open."
	speechText   = "Speech synthesis is unavailable right now, please try again later."
)

// API is the part of the Bot API client the bot uses.
type API interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Converter runs one conversion.
type Converter interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// AudioStore gives access to produced audio.
type AudioStore interface {
	Read(ctx context.Context, p scratch.Path) ([]byte, error)
	Remove(ctx context.Context, p scratch.Path) error
}

// Options tune the bot.
type Options struct {
	MaxImageBytes  int64
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Bot polls for updates and runs a conversion per photo.
type Bot struct {
	api       API
	converter Converter
	audio     AudioStore
	opts      Options
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// New builds a Bot.
func New(api API, converter Converter, audio AudioStore, opts Options, logger zerolog.Logger) *Bot {
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 20 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Bot{
		api:       api,
		converter: converter,
		audio:     audio,
		opts:      opts,
		logger:    logger.With().Str("component", "telegram").Logger(),
	}
}

// Run polls until ctx is done, then waits for in-flight conversions.
func (b *Bot) Run(ctx context.Context) {
	defer b.wg.Wait()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Telegram polling stopped")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = pollTimeout

		updates, err := b.api.GetUpdates(u)
		if err != nil {
			d := retryDelay(err)
			b.logger.Warn().Err(err).Dur("retry_in", d).Msg("Telegram polling failed")
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			b.wg.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.wg.Done()
				b.HandleUpdate(ctx, upd)
			}(upd)
		}

		if len(updates) == 0 && !sleep(ctx, idleDelay) {
			return
		}
	}
}

// HandleUpdate answers one update.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	logger := b.logger.With().Int64("chat_id", chatID).Int("message_id", msg.MessageID).Logger()

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			b.reply(logger, chatID, msg.MessageID, startText)
		}
		return
	}

	fileID, ok := imageFileID(msg)
	if !ok {
		b.reply(logger, chatID, msg.MessageID, noPhotoText)
		return
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve file URL")
		b.reply(logger, chatID, msg.MessageID, failedText)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	data, err := b.download(ctx, url)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to download image")
		if errors.Is(err, errTooLarge) {
			b.reply(logger, chatID, msg.MessageID, tooLargeText)
		} else {
			b.reply(logger, chatID, msg.MessageID, failedText)
		}
		return
	}

	res, err := b.converter.Run(ctx, pipeline.Request{
		ClientID: fmt.Sprintf("telegram:%d", chatID),
		Image:    data,
	})
	if err != nil {
		b.reply(logger, chatID, msg.MessageID, userMessage(err))
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := b.audio.Remove(cleanupCtx, res.AudioPath); err != nil {
			logger.Warn().Err(err).Str("entry", res.AudioPath.Key()).Msg("Failed to remove sent audio")
		}
	}()

	audio, err := b.audio.Read(ctx, res.AudioPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read produced audio")
		b.reply(logger, chatID, msg.MessageID, failedText)
		return
	}

	out := tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{Name: "output_audio.mp3", Bytes: audio})
	out.ReplyToMessageID = msg.MessageID
	out.Title = "Page"
	if _, err := b.api.Send(out); err != nil {
		logger.Error().Err(err).Msg("Failed to send audio")
		return
	}

	logger.Info().
		Str("correlation_id", res.CorrelationID).
		Str("branch", string(res.Speech.Branch())).
		Msg("Audio sent")
}

func (b *Bot) reply(logger zerolog.Logger, chatID int64, replyTo int, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyToMessageID = replyTo
	if _, err := b.api.Send(m); err != nil {
		logger.Warn().Err(err).Msg("Failed to send reply")
	}
}

var errTooLarge = errors.New("image too large")

func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	if resp.ContentLength > b.opts.MaxImageBytes {
		return nil, errTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.opts.MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.opts.MaxImageBytes {
		return nil, errTooLarge
	}
	return data, nil
}

// imageFileID picks the largest photo size, or an image sent as a document.
func imageFileID(msg *tgbotapi.Message) (string, bool) {
	if len(msg.Photo) > 0 {
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return best.FileID, true
	}
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		return msg.Document.FileID, true
	}
	return "", false
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, imaging.ErrDecode):
		return decodeText
	case errors.Is(err, tts.ErrSynthesisCanceled):
		return speechText
	default:
		return failedText
	}
}

func retryDelay(err error) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return clampDelay(time.Duration(tgErr.RetryAfter) * time.Second)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return minRetryDelay
}

func clampDelay(d time.Duration) time.Duration {
	if d < minRetryDelay {
		return minRetryDelay
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
