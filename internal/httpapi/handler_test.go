package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/page-speaker/internal/auditlog"
	"github.com/lexiqai/page-speaker/internal/imaging"
	"github.com/lexiqai/page-speaker/internal/pipeline"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/tts"
)

type fakeConverter struct {
	got pipeline.Request
	res *pipeline.Result
	err error
}

func (c *fakeConverter) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	c.got = req
	return c.res, c.err
}

type fakeAudio struct {
	data    map[string][]byte
	removed []string
}

func (a *fakeAudio) Read(_ context.Context, p scratch.Path) ([]byte, error) {
	b, ok := a.data[p.Key()]
	if !ok {
		return nil, scratch.ErrNotFound
	}
	return b, nil
}

func (a *fakeAudio) Remove(_ context.Context, p scratch.Path) error {
	a.removed = append(a.removed, p.Key())
	return nil
}

type fakeAudit struct {
	records []auditlog.Record
	err     error
	limit   int
}

func (f *fakeAudit) Record(context.Context, auditlog.Entry) error { return nil }

func (f *fakeAudit) Recent(_ context.Context, limit int) ([]auditlog.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "page.jpg")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newServer(conv Converter, audio AudioStore, audit auditlog.Sink, opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(conv, audio, audit, opts, zerolog.Nop()).Register(mux)
	return mux
}

func TestImageToAudio_Success(t *testing.T) {
	audioPath := scratch.Path{Category: scratch.CategoryAudio, Name: "abc.mp3", CreatedAt: time.Now()}
	conv := &fakeConverter{res: &pipeline.Result{
		CorrelationID: "corr-1",
		AudioPath:     audioPath,
		ContentType:   "audio/mpeg",
		Speech:        pipeline.FallbackText{Value: "nothing to read"},
	}}
	audio := &fakeAudio{data: map[string][]byte{audioPath.Key(): []byte("ID3...")}}
	mux := newServer(conv, audio, nil, Options{})

	body, ct := multipartBody(t, "image", []byte("jpeg bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Client-ID", "kiosk-7")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="output_audio.mp3"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "Conversion succeeded", rec.Header().Get("X-Message"))
	assert.Equal(t, "fallback", rec.Header().Get("X-Speech-Branch"))
	assert.Equal(t, "ID3...", rec.Body.String())

	assert.Equal(t, "kiosk-7", conv.got.ClientID)
	assert.Equal(t, []byte("jpeg bytes"), conv.got.Image)
	assert.NotEmpty(t, conv.got.CorrelationID)
	assert.Equal(t, []string{audioPath.Key()}, audio.removed)
}

func TestImageToAudio_ClientIDFromRemoteAddr(t *testing.T) {
	conv := &fakeConverter{err: &pipeline.StageError{Stage: pipeline.StageStore, Err: errors.New("disk full")}}
	mux := newServer(conv, &fakeAudio{}, nil, Options{})

	body, ct := multipartBody(t, "image", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
	req.Header.Set("Content-Type", ct)
	req.RemoteAddr = "192.0.2.10:52100"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, "192.0.2.10", conv.got.ClientID)
}

func TestImageToAudio_ClientIDStaysValidUTF8(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
	}{
		"two-byte runes":  {strings.Repeat("é", 100), strings.Repeat("é", 64)},
		"odd offset":      {"a" + strings.Repeat("é", 100), "a" + strings.Repeat("é", 63)},
		"three-byte rune": {strings.Repeat("x", 127) + "€", strings.Repeat("x", 127)},
		"invalid bytes":   {"kiosk-\xff7", "kiosk-7"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			conv := &fakeConverter{err: &pipeline.StageError{Stage: pipeline.StageStore, Err: errors.New("disk full")}}
			mux := newServer(conv, &fakeAudio{}, nil, Options{})

			body, ct := multipartBody(t, "image", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set("X-Client-ID", tc.header)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, conv.got.ClientID)
			assert.True(t, utf8.ValidString(conv.got.ClientID))
			assert.LessOrEqual(t, len(conv.got.ClientID), maxClientIDBytes)
		})
	}
}

func TestImageToAudio_BadUploads(t *testing.T) {
	t.Run("missing field", func(t *testing.T) {
		conv := &fakeConverter{}
		mux := newServer(conv, &fakeAudio{}, nil, Options{})
		body, ct := multipartBody(t, "", nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "no image was sent")
		assert.Nil(t, conv.got.Image)
	})

	t.Run("empty file", func(t *testing.T) {
		mux := newServer(&fakeConverter{}, &fakeAudio{}, nil, Options{})
		body, ct := multipartBody(t, "image", nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized", func(t *testing.T) {
		mux := newServer(&fakeConverter{}, &fakeAudio{}, nil, Options{MaxUploadBytes: 1024})
		body, ct := multipartBody(t, "image", bytes.Repeat([]byte{1}, 4096))
		req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		mux := newServer(&fakeConverter{}, &fakeAudio{}, nil, Options{})
		req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		mux := newServer(&fakeConverter{}, &fakeAudio{}, nil, Options{})
		req := httptest.NewRequest(http.MethodGet, "/v1/image-to-audio", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestImageToAudio_StageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		stage  string
	}{
		{"undecodable", &pipeline.StageError{Stage: pipeline.StageNormalize, Err: fmt.Errorf("bad: %w", imaging.ErrDecode)}, http.StatusUnprocessableEntity, "normalize"},
		{"synthesis canceled", &pipeline.StageError{Stage: pipeline.StageSynthesize, Err: &tts.CanceledError{Reason: "HTTP 401 key=secret"}}, http.StatusBadGateway, "synthesize"},
		{"storage", &pipeline.StageError{Stage: pipeline.StageStore, Err: errors.New("/var/scratch/image: permission denied")}, http.StatusInternalServerError, "store"},
		{"deadline", &pipeline.StageError{Stage: pipeline.StageSynthesize, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "synthesize"},
		{"deadline during synthesis", &pipeline.StageError{Stage: pipeline.StageSynthesize, Err: &tts.CanceledError{Reason: "request timed out", Cause: context.DeadlineExceeded}}, http.StatusGatewayTimeout, "synthesize"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newServer(&fakeConverter{err: tc.err}, &fakeAudio{}, nil, Options{})
			body, ct := multipartBody(t, "image", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/v1/image-to-audio", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.stage, resp.Stage)
			assert.NotContains(t, rec.Body.String(), "secret")
			assert.NotContains(t, rec.Body.String(), "/var/scratch")
		})
	}
}

func TestConversions(t *testing.T) {
	audit := &fakeAudit{records: []auditlog.Record{{ID: 1, ClientID: "a", Branch: "refined", Text: "hi"}}}
	mux := newServer(&fakeConverter{}, &fakeAudio{}, audit, Options{AuditToken: "s3cret"})

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversions", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("listing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversions?limit=5", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, audit.limit)
		var resp struct {
			Conversions []auditlog.Record `json:"conversions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Conversions, 1)
		assert.Equal(t, "refined", resp.Conversions[0].Branch)
	})

	t.Run("bad limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversions?limit=many", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestConversions_LogOnlySink(t *testing.T) {
	mux := newServer(&fakeConverter{}, &fakeAudio{}, auditlog.NewLogSink(zerolog.Nop()), Options{AuditToken: "t"})
	req := httptest.NewRequest(http.MethodGet, "/v1/conversions", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestConversions_DisabledWithoutToken(t *testing.T) {
	mux := newServer(&fakeConverter{}, &fakeAudio{}, &fakeAudit{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/conversions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
