// Package httpapi exposes the conversion pipeline and the audit listing over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/auditlog"
	"github.com/lexiqai/page-speaker/internal/imaging"
	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/pipeline"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/tts"
)

const (
	imageField       = "image"
	clientIDHeader   = "X-Client-ID"
	successMessage   = "Conversion succeeded"
	multipartMemory  = 8 << 20
	maxClientIDBytes = 128
)

// Converter runs one conversion.
type Converter interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// AudioStore gives access to produced audio.
type AudioStore interface {
	Read(ctx context.Context, p scratch.Path) ([]byte, error)
	Remove(ctx context.Context, p scratch.Path) error
}

// Options tune the handler.
type Options struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
	// AuditToken enables GET /v1/conversions when set.
	AuditToken string
}

// Handler serves the public API.
type Handler struct {
	converter Converter
	audio     AudioStore
	audit     auditlog.Sink
	opts      Options
	logger    zerolog.Logger
}

// NewHandler builds a Handler. audit may be nil when the listing is disabled.
func NewHandler(converter Converter, audio AudioStore, audit auditlog.Sink, opts Options, logger zerolog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Handler{
		converter: converter,
		audio:     audio,
		audit:     audit,
		opts:      opts,
		logger:    logger.With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/image-to-audio", h.ImageToAudio)
	if h.opts.AuditToken != "" && h.audit != nil {
		mux.HandleFunc("GET /v1/conversions", h.Conversions)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// ImageToAudio accepts a multipart upload and answers with the spoken audio.
func (h *Handler) ImageToAudio(w http.ResponseWriter, r *http.Request) {
	correlationID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(h.logger, correlationID)

	data, err := h.readUpload(w, r)
	if err != nil {
		logger.Info().Err(err).Msg("Rejected upload")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	res, err := h.converter.Run(ctx, pipeline.Request{
		ClientID:      clientID(r),
		Image:         data,
		CorrelationID: correlationID,
	})
	if err != nil {
		status, body := errorStatus(err)
		writeJSON(w, status, body)
		return
	}

	cleanupCtx := context.WithoutCancel(r.Context())
	defer func() {
		if err := h.audio.Remove(cleanupCtx, res.AudioPath); err != nil {
			logger.Warn().Err(err).Str("entry", res.AudioPath.Key()).Msg("Failed to remove served audio")
		}
	}()

	audio, err := h.audio.Read(ctx, res.AudioPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read produced audio")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "conversion failed at store stage",
			Stage: string(pipeline.StageStore),
		})
		return
	}

	filename := "output_audio" + path.Ext(res.AudioPath.Name)
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("X-Message", successMessage)
	w.Header().Set("X-Speech-Branch", string(res.Speech.Branch()))
	w.Header().Set("X-Correlation-ID", res.CorrelationID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		logger.Warn().Err(err).Msg("Failed to write audio response")
	}
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("upload exceeds %d bytes", h.opts.MaxUploadBytes)
		}
		return nil, errors.New("request must be multipart/form-data")
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, _, err := r.FormFile(imageField)
	if err != nil {
		return nil, errors.New("no image was sent")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("failed to read image")
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	return data, nil
}

// errorStatus maps pipeline errors to a status code and a body that names
// only the failed stage.
func errorStatus(err error) (int, errorResponse) {
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		return http.StatusInternalServerError, errorResponse{Error: "conversion failed"}
	}

	body := errorResponse{Error: stageErr.Error(), Stage: string(stageErr.Stage)}
	switch {
	case errors.Is(err, imaging.ErrDecode):
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, tts.ErrSynthesisCanceled):
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

// Conversions lists recent audit records for holders of the audit token.
func (h *Handler) Conversions(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be an integer"})
			return
		}
		limit = n
	}

	records, err := h.audit.Recent(r.Context(), auditlog.ClampLimit(limit))
	if err != nil {
		if errors.Is(err, auditlog.ErrQueryUnsupported) {
			writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "audit listing needs a database"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to list conversions")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list conversions"})
		return
	}
	if records == nil {
		records = []auditlog.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversions": records})
}

func (h *Handler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AuditToken)) == 1
}

// clientID prefers the X-Client-ID header and falls back to the remote host.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(strings.ToValidUTF8(r.Header.Get(clientIDHeader), "")); id != "" {
		if len(id) > maxClientIDBytes {
			// cut on a rune boundary so the id stays valid UTF-8
			cut := maxClientIDBytes
			for cut > 0 && !utf8.RuneStart(id[cut]) {
				cut--
			}
			id = id[:cut]
		}
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
