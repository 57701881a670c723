// Package distribution talks to OCI-compatible registries on behalf of the
// module store. The store depends only on the Resolver interface; the oras
// client below is the production implementation.
package distribution

import (
	"context"
	"encoding/json"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
)

// WasmLayerMediaType is the media type wasm-to-oci publishes module layers
// under. Artifacts built by other tools may fall back to a plain layer.
const WasmLayerMediaType = "application/vnd.module.wasm.content.layer.v1+wasm"

// Resolver is the narrow contract between the module store and the
// registry. Resolve is a cheap digest-only call (a HEAD against the
// manifest endpoint) used to detect tag drift on cache hits; Pull fetches
// the module bytes to destPath and returns the manifest digest that keys
// the cache. A failed or cancelled Pull leaves nothing at destPath.
type Resolver interface {
	Resolve(ctx context.Context, reference string) (digest.Digest, error)
	Pull(ctx context.Context, reference string, destPath string) (digest.Digest, error)
}

// Client is an oras-backed Resolver
type Client struct {
	// PlainHTTP disables TLS towards the registry, for local registries.
	PlainHTTP bool
}

// NewClient creates a registry client
func NewClient(plainHTTP bool) *Client {
	return &Client{PlainHTTP: plainHTTP}
}

func (c *Client) repository(reference string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(reference)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidArgument, "invalid reference %q", reference)
	}
	repo.PlainHTTP = c.PlainHTTP
	return repo, nil
}

// Resolve returns the manifest digest the reference currently points at
func (c *Client) Resolve(ctx context.Context, reference string) (digest.Digest, error) {
	repo, err := c.repository(reference)
	if err != nil {
		return "", err
	}
	desc, err := repo.Resolve(ctx, repo.Reference.Reference)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "resolving %q: %v", reference, err)
	}
	return desc.Digest, nil
}

// Pull fetches the module layer of reference into destPath
func (c *Client) Pull(ctx context.Context, reference string, destPath string) (digest.Digest, error) {
	repo, err := c.repository(reference)
	if err != nil {
		return "", err
	}

	desc, err := repo.Resolve(ctx, repo.Reference.Reference)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "resolving %q: %v", reference, err)
	}

	manifestBytes, err := content.FetchAll(ctx, repo, desc)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "fetching manifest for %q: %v", reference, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "decoding manifest for %q: %v", reference, err)
	}
	layer, err := moduleLayer(manifest)
	if err != nil {
		return "", err
	}

	blob, err := content.FetchAll(ctx, repo, layer)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "fetching module layer for %q: %v", reference, err)
	}
	// FetchAll verifies against the descriptor, but the bytes about to hit
	// disk are what the store trusts, so check them here too.
	if got := digest.FromBytes(blob); got != layer.Digest {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "module layer digest mismatch for %q: got %s, want %s", reference, got, layer.Digest)
	}

	if err := os.WriteFile(destPath, blob, 0o644); err != nil {
		os.Remove(destPath)
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "writing module for %q: %v", reference, err)
	}
	return desc.Digest, nil
}

// moduleLayer picks the layer carrying the wasm module: the wasm media
// type when present, otherwise the sole layer of a single-layer artifact.
func moduleLayer(manifest ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, l := range manifest.Layers {
		if l.MediaType == WasmLayerMediaType {
			return l, nil
		}
	}
	if len(manifest.Layers) == 1 {
		return manifest.Layers[0], nil
	}
	return ocispec.Descriptor{}, errdefs.Wrapf(errdefs.ErrDistributionFailure, "manifest has no wasm module layer (%d layers)", len(manifest.Layers))
}
