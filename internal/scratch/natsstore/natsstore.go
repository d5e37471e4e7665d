// Package natsstore keeps scratch entries in a NATS JetStream object store
// bucket so several service replicas can share one scratch namespace.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lexiqai/page-speaker/internal/scratch"
)

// Backend implements scratch.Backend on an object store bucket. Object names
// are "category/name" and CreatedAt is the object's ModTime.
type Backend struct {
	conn   *nats.Conn
	bucket string
	store  nats.ObjectStore

	// serializes the existence check and reservation within this process
	createMu sync.Mutex
}

// New creates the bucket, or binds to it when it already exists.
func New(conn *nats.Conn, bucket string) (*Backend, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Scratch entries for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucket, err)
		}
	}

	return &Backend{conn: conn, bucket: bucket, store: store}, nil
}

// Create reserves p by writing an empty object. The object store has no
// conditional put, so exclusivity across processes relies on random names.
func (b *Backend) Create(_ context.Context, p scratch.Path) (scratch.Path, error) {
	if err := p.Validate(); err != nil {
		return scratch.Path{}, err
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	if _, err := b.store.GetInfo(p.Key()); err == nil {
		return scratch.Path{}, scratch.ErrExists
	} else if !errors.Is(err, nats.ErrObjectNotFound) {
		return scratch.Path{}, fmt.Errorf("failed to check object '%s': %w", p.Key(), err)
	}

	info, err := b.store.PutBytes(p.Key(), []byte{})
	if err != nil {
		return scratch.Path{}, fmt.Errorf("failed to reserve object '%s' in bucket '%s': %w", p.Key(), b.bucket, err)
	}

	p.CreatedAt = info.ModTime
	return p, nil
}

func (b *Backend) Write(_ context.Context, p scratch.Path, data []byte) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := b.store.GetInfo(p.Key()); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return scratch.ErrNotFound
		}
		return fmt.Errorf("failed to check object '%s': %w", p.Key(), err)
	}

	if _, err := b.store.PutBytes(p.Key(), data); err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", p.Key(), b.bucket, err)
	}
	return nil
}

func (b *Backend) Read(_ context.Context, p scratch.Path) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := b.store.GetBytes(p.Key())
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, scratch.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", p.Key(), b.bucket, err)
	}
	return data, nil
}

func (b *Backend) Remove(_ context.Context, p scratch.Path) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := b.store.Delete(p.Key()); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return scratch.ErrNotFound
		}
		return fmt.Errorf("failed to delete object '%s': %w", p.Key(), err)
	}
	return nil
}

// List returns the live objects under "category/".
func (b *Backend) List(_ context.Context, category scratch.Category) ([]scratch.Path, error) {
	infos, err := b.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list bucket '%s': %w", b.bucket, err)
	}

	prefix := string(category) + "/"
	var out []scratch.Path
	for _, info := range infos {
		if info == nil || info.Deleted {
			continue
		}
		name, ok := strings.CutPrefix(info.Name, prefix)
		if !ok || name == "" {
			continue
		}
		out = append(out, scratch.Path{Category: category, Name: name, CreatedAt: info.ModTime})
	}
	return out, nil
}

// Ping reports whether the NATS connection is usable.
func (b *Backend) Ping(_ context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}
