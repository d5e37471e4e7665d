package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/page-speaker/internal/imaging"
	"github.com/lexiqai/page-speaker/internal/pipeline"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/tts"
)

type fakeAPI struct {
	mu      sync.Mutex
	fileURL string
	sent    []tgbotapi.Chattable
	batches [][]tgbotapi.Update
	polls   int
}

func (f *fakeAPI) GetUpdates(tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	return f.fileURL, nil
}

func (f *fakeAPI) messages() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

type fakeConverter struct {
	mu  sync.Mutex
	got []pipeline.Request
	err error
}

func (c *fakeConverter) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	c.mu.Lock()
	c.got = append(c.got, req)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &pipeline.Result{
		AudioPath: scratch.Path{Category: scratch.CategoryAudio, Name: "a.mp3"},
		Speech:    pipeline.RefinedText{Value: "hello"},
	}, nil
}

type fakeAudio struct {
	mu      sync.Mutex
	removed int
}

func (a *fakeAudio) Read(context.Context, scratch.Path) ([]byte, error) {
	return []byte("ID3"), nil
}

func (a *fakeAudio) Remove(context.Context, scratch.Path) error {
	a.mu.Lock()
	a.removed++
	a.mu.Unlock()
	return nil
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func photoUpdate(id int) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: 10 + id,
			Chat:      &tgbotapi.Chat{ID: 42},
			Photo: []tgbotapi.PhotoSize{
				{FileID: "small", Width: 90, Height: 60},
				{FileID: "large", Width: 1280, Height: 853},
				{FileID: "medium", Width: 320, Height: 213},
			},
		},
	}
}

func TestHandleUpdate_PhotoIsAnsweredWithAudio(t *testing.T) {
	srv := imageServer(t, []byte("jpeg"))
	api := &fakeAPI{fileURL: srv.URL}
	conv := &fakeConverter{}
	audio := &fakeAudio{}
	bot := New(api, conv, audio, Options{}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), photoUpdate(1))

	require.Len(t, conv.got, 1)
	assert.Equal(t, "telegram:42", conv.got[0].ClientID)
	assert.Equal(t, []byte("jpeg"), conv.got[0].Image)

	sent := api.messages()
	require.Len(t, sent, 1)
	out, ok := sent[0].(tgbotapi.AudioConfig)
	require.True(t, ok, "expected audio, got %T", sent[0])
	assert.Equal(t, int64(42), out.ChatID)
	assert.Equal(t, 11, out.ReplyToMessageID)
	fb, ok := out.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	assert.Equal(t, []byte("ID3"), fb.Bytes)
	assert.Equal(t, 1, audio.removed)
}

func TestHandleUpdate_TextMessage(t *testing.T) {
	api := &fakeAPI{}
	conv := &fakeConverter{}
	bot := New(api, conv, &fakeAudio{}, Options{}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "hello",
	}})

	assert.Empty(t, conv.got)
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, noPhotoText, sent[0].(tgbotapi.MessageConfig).Text)
}

func TestHandleUpdate_ConversionErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"decode":    {&pipeline.StageError{Stage: pipeline.StageNormalize, Err: imaging.ErrDecode}, decodeText},
		"synthesis": {&pipeline.StageError{Stage: pipeline.StageSynthesize, Err: tts.ErrSynthesisCanceled}, speechText},
		"other":     {&pipeline.StageError{Stage: pipeline.StageStore, Err: errors.New("disk")}, failedText},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := imageServer(t, []byte("jpeg"))
			api := &fakeAPI{fileURL: srv.URL}
			bot := New(api, &fakeConverter{err: tc.err}, &fakeAudio{}, Options{}, zerolog.Nop())

			bot.HandleUpdate(context.Background(), photoUpdate(1))

			sent := api.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, tc.want, sent[0].(tgbotapi.MessageConfig).Text)
		})
	}
}

func TestHandleUpdate_ImageTooLarge(t *testing.T) {
	srv := imageServer(t, make([]byte, 2048))
	api := &fakeAPI{fileURL: srv.URL}
	conv := &fakeConverter{}
	bot := New(api, conv, &fakeAudio{}, Options{MaxImageBytes: 1024}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), photoUpdate(1))

	assert.Empty(t, conv.got)
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, tooLargeText, sent[0].(tgbotapi.MessageConfig).Text)
}

func TestImageFileID(t *testing.T) {
	id, ok := imageFileID(photoUpdate(1).Message)
	assert.True(t, ok)
	assert.Equal(t, "large", id)

	id, ok = imageFileID(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "doc", MimeType: "image/png"}})
	assert.True(t, ok)
	assert.Equal(t, "doc", id)

	_, ok = imageFileID(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "pdf", MimeType: "application/pdf"}})
	assert.False(t, ok)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(&tgbotapi.Error{
		Code:               429,
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 5},
	}))
	assert.Equal(t, maxRetryDelay, retryDelay(&tgbotapi.Error{
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 600},
	}))
	assert.Equal(t, minRetryDelay, retryDelay(errors.New("boom")))
}

func TestRun_ProcessesUpdatesAndStops(t *testing.T) {
	srv := imageServer(t, []byte("jpeg"))
	api := &fakeAPI{
		fileURL: srv.URL,
		batches: [][]tgbotapi.Update{{photoUpdate(1), photoUpdate(2)}},
	}
	conv := &fakeConverter{}
	bot := New(api, conv, &fakeAudio{}, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bot.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(api.messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}
}
