// Package registry resolves tag→digest, probes base-image presence, and
// pushes multi-platform manifests. It's a thin wrapper over
// go-containerregistry.
package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/banksean/tplbuild/internal/errs"
)

// TLSConfig customises transport trust per registry, mirroring the
// `registry.ssl_context` user-config block.
type TLSConfig struct {
	Insecure bool
	CAFile   string
	CAPath   string
}

// RetryPolicy holds the retry parameters for transient registry errors.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy implements up to 3 retries (4 attempts in all), base
// 0.5s, cap 8s, with jitter.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, Base: 500 * time.Millisecond, Cap: 8 * time.Second}

// Client is the registry-client abstraction used by internal/app's
// source-lock, base-probe, and publish phases.
type Client interface {
	ResolveDigest(ctx context.Context, repo, tag, platform string) (string, error)
	Probe(ctx context.Context, repo, tag, platform string) (string, bool, error)
	PushMultiarch(ctx context.Context, repo, tag string, perPlatformDigests map[string]string) (string, error)
}

// CredentialHelper is the pluggable authentication delegate. The default
// implementation defers to go-containerregistry's keychain,
// which itself shells out to docker-credential-helpers-style binaries.
type CredentialHelper interface {
	Authenticator(repo string) (authn.Authenticator, error)
}

type defaultCredentialHelper struct{}

func (defaultCredentialHelper) Authenticator(repo string) (authn.Authenticator, error) {
	ref, err := name.NewRepository(repo)
	if err != nil {
		return nil, err
	}
	return authn.DefaultKeychain.Resolve(ref)
}

// client is the go-containerregistry-backed Client implementation.
type client struct {
	creds   CredentialHelper
	tls     TLSConfig
	retry   RetryPolicy
	timeout time.Duration
	connect time.Duration
}

// New builds a registry Client. Dials time out after 10s. The 30s timeout
// is set only on the http.Client that httpClient builds, and
// go-containerregistry is handed that client's Transport alone, so
// requests are not bounded by it; ctx is their only overall limit.
func New(creds CredentialHelper, tlsCfg TLSConfig, retry RetryPolicy) (Client, error) {
	if creds == nil {
		creds = defaultCredentialHelper{}
	}
	return &client{creds: creds, tls: tlsCfg, retry: retry, timeout: 30 * time.Second, connect: 10 * time.Second}, nil
}

func (c *client) httpClient() (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: c.connect}).DialContext,
	}
	if c.tls.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if c.tls.CAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(c.tls.CAFile)
		if err != nil {
			return nil, &errs.RegistryError{Kind: "tls", Err: err}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &errs.RegistryError{Kind: "tls", Err: fmt.Errorf("no certificates parsed from %s", c.tls.CAFile)}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Transport: transport, Timeout: c.timeout}, nil
}

func (c *client) options(ctx context.Context, repo string) ([]remote.Option, error) {
	auth, err := c.creds.Authenticator(repo)
	if err != nil {
		return nil, &errs.RegistryError{Kind: "auth", Err: err}
	}
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth),
		remote.WithTransport(hc.Transport),
	}, nil
}

// ResolveDigest fetches the manifest (or index) for repo:tag and, if it is
// an OCI image index, selects the platform-specific manifest.
func (c *client) ResolveDigest(ctx context.Context, repo, tag, platform string) (string, error) {
	var result string
	err := withRetry(ctx, c.retry, "resolve_digest", func() error {
		ref, err := name.ParseReference(fmt.Sprintf("%s:%s", repo, tag))
		if err != nil {
			return &errs.RegistryError{Kind: "parse-ref", Err: err}
		}
		opts, err := c.options(ctx, repo)
		if err != nil {
			return err
		}
		desc, err := remote.Get(ref, opts...)
		if err != nil {
			return classifyRemoteErr("resolve_digest", err)
		}
		if desc.MediaType.IsIndex() {
			idx, err := desc.ImageIndex()
			if err != nil {
				return &errs.RegistryError{Kind: "manifest", Err: err}
			}
			d, err := selectPlatform(idx, platform)
			if err != nil {
				return err
			}
			result = d
			return nil
		}
		result = desc.Digest.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// Probe behaves like ResolveDigest but returns absent (ok=false) rather
// than an error on a 404/not-found.
func (c *client) Probe(ctx context.Context, repo, tag, platform string) (string, bool, error) {
	digest, err := c.ResolveDigest(ctx, repo, tag, platform)
	if err != nil {
		var re *errs.RegistryError
		if ok := asRegistryError(err, &re); ok && re.Status == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return digest, true, nil
}

// PushMultiarch creates (and pushes) an OCI image index referencing the
// per-platform manifests already pushed to repo, and returns the index's
// digest.
func (c *client) PushMultiarch(ctx context.Context, repo, tag string, perPlatformDigests map[string]string) (string, error) {
	var result string
	err := withRetry(ctx, c.retry, "push_multiarch", func() error {
		opts, err := c.options(ctx, repo)
		if err != nil {
			return err
		}

		idx := mutate.IndexMediaType(empty.Index, "application/vnd.oci.image.index.v1+json")
		for platform, digestStr := range perPlatformDigests {
			ref, err := name.ParseReference(fmt.Sprintf("%s@%s", repo, digestStr))
			if err != nil {
				return &errs.RegistryError{Kind: "parse-ref", Err: err}
			}
			desc, err := remote.Get(ref, opts...)
			if err != nil {
				return classifyRemoteErr("push_multiarch", err)
			}
			img, err := desc.Image()
			if err != nil {
				return &errs.RegistryError{Kind: "manifest", Err: err}
			}
			p, err := v1.ParsePlatform(platform)
			if err != nil {
				return &errs.RegistryError{Kind: "platform", Err: err}
			}
			idx = mutate.AppendManifests(idx, mutate.IndexAddendum{
				Add:        img,
				Descriptor: v1.Descriptor{Platform: p},
			})
		}

		tagRef, err := name.NewTag(fmt.Sprintf("%s:%s", repo, tag))
		if err != nil {
			return &errs.RegistryError{Kind: "parse-ref", Err: err}
		}
		if err := remote.WriteIndex(tagRef, idx, opts...); err != nil {
			return classifyRemoteErr("push_multiarch", err)
		}
		h, err := idx.Digest()
		if err != nil {
			return &errs.RegistryError{Kind: "manifest", Err: err}
		}
		result = h.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func selectPlatform(idx v1.ImageIndex, platform string) (string, error) {
	manifest, err := idx.IndexManifest()
	if err != nil {
		return "", &errs.RegistryError{Kind: "manifest", Err: err}
	}
	want, err := v1.ParsePlatform(platform)
	if err != nil {
		return "", &errs.RegistryError{Kind: "platform", Err: err}
	}
	for _, m := range manifest.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.OS == want.OS && m.Platform.Architecture == want.Architecture {
			return m.Digest.String(), nil
		}
	}
	return "", &errs.RegistryError{Kind: "platform-not-found", Status: http.StatusNotFound, Err: fmt.Errorf("no manifest for platform %s", platform)}
}

// withRetry calls fn up to policy.MaxAttempts times in all, waiting with
// exponential backoff and jitter between attempts, but retries only
// errors marked transient.
func withRetry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	delay := policy.Base
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var re *errs.RegistryError
		if !asRegistryError(lastErr, &re) || !re.Transient || attempt == policy.MaxAttempts {
			return lastErr
		}
		slog.WarnContext(ctx, "registry.retry", "op", op, "attempt", attempt, "err", lastErr)
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return lastErr
}

func asRegistryError(err error, target **errs.RegistryError) bool {
	re, ok := err.(*errs.RegistryError)
	if ok {
		*target = re
	}
	return ok
}

// classifyRemoteErr maps a go-containerregistry transport error onto
// RegistryError, marking 5xx/connection failures as transient and 4xx
// (other than 429) as permanent.
func classifyRemoteErr(kind string, err error) *errs.RegistryError {
	status := 0
	var terr *transport.Error
	if errors.As(err, &terr) {
		status = terr.StatusCode
	}
	transient := status == 0 || status >= 500 || status == http.StatusTooManyRequests
	return &errs.RegistryError{Kind: kind, Status: status, Transient: transient, Err: err}
}
