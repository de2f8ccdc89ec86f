package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client is a containerd connection pinned to one namespace.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient dials containerd and checks that it answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, namespace: namespace}, nil
}

// Raw returns the underlying containerd client.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.inner.Close()
}

// PullImage returns ref from the local store, pulling and unpacking it first
// when missing.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("looking up image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	start := time.Now()

	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("image pulled")
	return image, nil
}
