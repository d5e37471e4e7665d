package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashImage(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashImage(nil))
	assert.Len(t, HashImage([]byte("page")), 64)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, ClampLimit(0))
	assert.Equal(t, 50, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, 500, ClampLimit(10_000))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	require.NoError(t, sink.Record(context.Background(), Entry{
		ClientID: "10.0.0.1",
		Image:    []byte("jpeg bytes"),
		Text:     "hello world",
		Branch:   "refined",
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "10.0.0.1", line["client_id"])
	assert.Equal(t, "refined", line["branch"])
	assert.Equal(t, HashImage([]byte("jpeg bytes")), line["image_sha256"])
	assert.NotContains(t, buf.String(), "hello world")

	_, err := sink.Recent(context.Background(), 10)
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

// TestPostgresSink runs against a real database when one is configured.
func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("PAGE_SPEAKER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAGE_SPEAKER_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db)
	require.NoError(t, sink.EnsureSchema(ctx))
	require.NoError(t, sink.Ping(ctx))

	client := "test-" + time.Now().Format(time.RFC3339Nano)
	require.NoError(t, sink.Record(ctx, Entry{ClientID: client, Image: []byte{1, 2, 3}, Text: "first", Branch: "fallback"}))
	require.NoError(t, sink.Record(ctx, Entry{ClientID: client, Image: []byte{4, 5}, Text: "second", Branch: "refined"}))

	recent, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Text)
	assert.Equal(t, 2, recent[0].ImageBytes)
	assert.Equal(t, HashImage([]byte{1, 2, 3}), recent[1].ImageSHA256)

	_, err = db.ExecContext(ctx, `delete from conversion_log where client_id = $1`, client)
	require.NoError(t, err)
}
