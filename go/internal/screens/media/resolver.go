// Package media turns song or video references into URLs screens can load.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var (
	ErrInvalidReference = errors.New("invalid media reference")
	ErrNotFound         = errors.New("media not found")
)

// Resolver maps a media reference (a path, URL or library id) to a playable URL
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// StaticResolver accepts absolute http(s) URLs as-is and joins media paths onto BaseURL.
// With an empty BaseURL, root-relative paths such as "/media/x.mp4" are returned unchanged.
type StaticResolver struct {
	BaseURL string
}

func NewStaticResolver(baseURL string) *StaticResolver {
	return &StaticResolver{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReference)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, u.Scheme)
		}
		return u.String(), nil
	}

	cleaned := path.Clean("/" + u.Path)
	if cleaned == "/" || strings.Contains(u.Path, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if s.BaseURL == "" {
		return cleaned, nil
	}
	return s.BaseURL + cleaned, nil
}

// ChainResolver tries each resolver in order and returns the first hit.
// ErrNotFound moves on to the next resolver, any other error stops the chain.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	lastErr := fmt.Errorf("%w: %q", ErrNotFound, ref)
	for _, r := range c {
		resolved, err := r.Resolve(ctx, ref)
		if err == nil {
			return resolved, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}
