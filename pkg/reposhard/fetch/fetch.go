// Package fetch implements the Fetch Engine (C1): a bounded-concurrency
// HTTP downloader that resolves symbolic mirror names to base URLs,
// applies authentication, retries transient failures with exponential
// backoff, validates checksums, and honors conditional GET and caller
// cancellation. It is the only component in the repodata subsystem that
// owns a thread pool; every other component is a synchronous caller
// blocking on Engine.Download. Grounded on the HTTP client setup, OTel
// span, and zerolog-in-context patterns of
// pkg/cache/upstream/cache.go, generalized from a single fixed upstream
// to a named mirror pool with retry/backoff.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/rerrors"
)

const otelPackageName = "github.com/mamba-org/reposhard/pkg/reposhard/fetch"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrChecksumMismatch is returned (wrapped into an Error result, never
// retried) when a downloaded body's SHA-256 doesn't match Request.SHA256.
var ErrChecksumMismatch = errors.New("fetch: checksum mismatch")

// Request describes a single artifact to fetch, addressed by a symbolic
// mirror name plus a path appended to that mirror's base URL. Mirrors
// mamba's DownloadRequest.
type Request struct {
	// Name identifies the request in logs/spans and in the returned Result;
	// it carries no fetching semantics of its own.
	Name string

	// MirrorName keys into the MirrorMap passed to Download. A request
	// carrying a fully-qualified URLPath (scheme present) is routed through
	// mirror.Map.AddPassThrough instead and MirrorName is ignored.
	MirrorName string
	URLPath    string

	// Filename, if non-empty, is a path the engine writes the response body
	// to directly (streaming, not buffered). Empty means buffer in memory
	// and return it via Result.Content.
	Filename string

	HeadOnly      bool
	IgnoreFailure bool

	// SHA256, if non-empty, is the expected lower-case hex digest of the
	// response body; a mismatch is a non-retryable Error.
	SHA256       string
	ExpectedSize int64

	// ETag/LastModified, if non-empty, are sent as If-None-Match/
	// If-Modified-Since for a conditional GET.
	ETag         string
	LastModified string

	OnSuccess func(Result)
	OnFailure func(Result)
	Progress  func(downloaded, total int64)
}

// Transfer carries HTTP-transport facts about a completed attempt.
type Transfer struct {
	HTTPStatus     int
	EffectiveURL   string
	DownloadedSize int64
	AvgSpeed       float64 // bytes/second
}

// Result is the outcome of fetching one Request. Exactly one of the
// success fields or Message is meaningful: Ok reports which.
type Result struct {
	Name string
	Ok   bool

	// Success fields.
	Content      []byte // set when Request.Filename == ""
	Filename     string // set when Request.Filename != "" and the body was written
	CacheControl string
	ETag         string
	LastModified string
	NotModified  bool // true on a 304 response to a conditional GET

	// Error fields.
	Message          string
	RetryWaitSeconds float64
	UserInterrupted  bool

	Transfer      Transfer
	AttemptNumber int
}

// Options controls Download's concurrency.
type Options struct {
	// DownloadThreads bounds concurrent in-flight requests. Zero means use
	// RemoteFetchParams.DownloadThreads, falling back to 5.
	DownloadThreads int
}

// Engine is a configured HTTP client shared across Download calls. It is
// safe for concurrent use.
type Engine struct {
	httpClient *http.Client
}

// NewEngine builds an Engine whose transport is a clone of the default
// transport with tightened dial/response-header timeouts, manual
// compression (zstd negotiation happens above this layer, so gzip
// auto-negotiation is disabled), and OTel instrumentation, following
// setupHTTPClient in pkg/cache/upstream/cache.go.
func NewEngine(remote config.RemoteFetchParams) (*Engine, error) {
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("fetch: default transport is not *http.Transport")
	}

	dt := baseTransport.Clone()

	connectTimeout := remote.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dt.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	dt.DisableCompression = true
	dt.ResponseHeaderTimeout = connectTimeout

	if len(remote.ProxyServers) > 0 {
		dt.Proxy = proxyFunc(remote.ProxyServers)
	}

	return &Engine{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(dt),
		},
	}, nil
}

func proxyFunc(proxies map[string]string) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		raw, ok := proxies[req.URL.Scheme]
		if !ok {
			raw, ok = proxies["all"]
		}

		if !ok {
			return nil, nil //nolint:nilnil
		}

		return url.Parse(raw)
	}
}

// Download fetches every request, preserving input order in the returned
// slice, bounded to opts.DownloadThreads (or remote.DownloadThreads, or 5)
// concurrent attempts. A per-request failure never aborts the batch;
// IgnoreFailure only suppresses the OnFailure callback, since the caller
// always receives every Result and decides what to do with it.
func (e *Engine) Download(
	ctx context.Context,
	requests []Request,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	opts Options,
) []Result {
	results := make([]Result, len(requests))

	threads := opts.DownloadThreads
	if threads <= 0 {
		threads = remote.DownloadThreads
	}

	if threads <= 0 {
		threads = 5
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(threads)

	for i, req := range requests {
		i, req := i, req

		group.Go(func() error {
			results[i] = e.downloadOne(gctx, req, mirrors, remote, authDB)

			return nil
		})
	}

	_ = group.Wait() // downloadOne never returns an error; failures live in Result

	return results
}

func (e *Engine) downloadOne(
	ctx context.Context,
	req Request,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
) Result {
	ctx, span := tracer.Start(ctx, "fetch.Download",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fetch.name", req.Name),
			attribute.String("fetch.mirror", req.MirrorName),
			attribute.String("fetch.url_path", req.URLPath),
		),
	)
	defer span.End()

	logger := zerolog.Ctx(ctx).With().Str("fetch_name", req.Name).Logger()
	ctx = logger.WithContext(ctx)

	mirrorName, err := resolveMirrorName(req, mirrors)
	if err != nil {
		return failure(req, 0, err.Error(), nil)
	}

	maxRetries := remote.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	retryTimeout := remote.RetryTimeout
	if retryTimeout <= 0 {
		retryTimeout = 2 * time.Second
	}

	retryBackoff := remote.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 1
	}

	var lastResult Result

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return interrupted(req, attempt)
		}

		base, err := mirrors.Select(mirrorName, attempt-1)
		if err != nil {
			return failure(req, attempt, err.Error(), nil)
		}

		fullURL := joinURL(base, req.URLPath)

		result, retryable, waitOverride := e.attempt(ctx, req, fullURL, remote, authDB, attempt)
		if result.Ok {
			mirrors.RecordSuccess(mirrorName, base)
			invokeSuccess(req, result)

			return result
		}

		if ctx.Err() != nil {
			return interrupted(req, attempt)
		}

		lastResult = result

		if !retryable || attempt == maxRetries {
			break
		}

		wait := waitOverride
		if wait <= 0 {
			wait = retryTimeout.Seconds() * math.Pow(float64(retryBackoff), float64(attempt-1))
		}

		lastResult.RetryWaitSeconds = wait

		logger.Warn().
			Int("attempt", attempt).
			Float64("retry_wait_seconds", wait).
			Str("message", result.Message).
			Msg("fetch attempt failed, retrying")

		timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()

			return interrupted(req, attempt)
		case <-timer.C:
		}
	}

	invokeFailure(req, lastResult)

	return lastResult
}

// resolveMirrorName returns the mirror name to select against: req's
// MirrorName for a relative URLPath, or a lazily-registered pass-through
// mirror when URLPath is already an absolute URL.
func resolveMirrorName(req Request, mirrors *mirror.Map) (string, error) {
	u, err := url.Parse(req.URLPath)
	if err == nil && u.IsAbs() {
		return mirrors.AddPassThrough(req.URLPath)
	}

	if req.MirrorName == "" {
		return "", fmt.Errorf("fetch: request %q has no mirror_name and a relative url_path", req.Name)
	}

	return req.MirrorName, nil
}

func joinURL(base, urlPath string) string {
	if u, err := url.Parse(urlPath); err == nil && u.IsAbs() {
		return urlPath
	}

	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(urlPath, "/")
}

// attempt performs exactly one HTTP round trip. It reports whether the
// failure (if any) is retryable, plus an optional explicit wait override
// derived from a Retry-After header.
func (e *Engine) attempt(
	ctx context.Context,
	req Request,
	fullURL string,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	attemptNumber int,
) (Result, bool, float64) {
	method := http.MethodGet
	if req.HeadOnly {
		method = http.MethodHead
	}

	requestURL := fullURL

	var cred auth.Credential

	if authDB != nil {
		if c, ok := authDB.LookupWeakened(fullURL); ok {
			cred = c
		}
	}

	if token, ok := cred.(auth.CondaToken); ok {
		requestURL = insertCondaToken(fullURL, token.Token)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return failure(req, attemptNumber, err.Error(), nil), false, 0
	}

	if remote.UserAgent != "" {
		httpReq.Header.Set("User-Agent", remote.UserAgent)
	}

	applyAuth(httpReq, cred)

	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	started := time.Now()

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return failure(req, attemptNumber, err.Error(), nil), true, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Result{
			Name:          req.Name,
			Ok:            true,
			NotModified:   true,
			CacheControl:  resp.Header.Get("Cache-Control"),
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
			AttemptNumber: attemptNumber,
			Transfer: Transfer{
				HTTPStatus:   resp.StatusCode,
				EffectiveURL: requestURL,
			},
		}, false, 0
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		wait := 0.0

		if resp.StatusCode == http.StatusTooManyRequests {
			wait = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		transfer := &Transfer{HTTPStatus: resp.StatusCode, EffectiveURL: requestURL}
		msg := fmt.Sprintf("unexpected HTTP status %d for %s", resp.StatusCode, requestURL)

		return failure(req, attemptNumber, msg, transfer), retryable, wait
	}

	if req.HeadOnly {
		return Result{
			Name:          req.Name,
			Ok:            true,
			CacheControl:  resp.Header.Get("Cache-Control"),
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
			AttemptNumber: attemptNumber,
			Transfer:      Transfer{HTTPStatus: resp.StatusCode, EffectiveURL: requestURL},
		}, false, 0
	}

	downloaded, written, hashErr := e.consumeBody(req, resp.Body)
	elapsed := time.Since(started).Seconds()

	transfer := Transfer{
		HTTPStatus:     resp.StatusCode,
		EffectiveURL:   requestURL,
		DownloadedSize: downloaded,
	}
	if elapsed > 0 {
		transfer.AvgSpeed = float64(downloaded) / elapsed
	}

	if hashErr != nil {
		retryable := errors.Is(hashErr, errBodyRead)

		return failure(req, attemptNumber, hashErr.Error(), &transfer), retryable, 0
	}

	if req.ExpectedSize > 0 && downloaded != req.ExpectedSize {
		msg := fmt.Sprintf("size mismatch: expected %d, got %d", req.ExpectedSize, downloaded)

		return failure(req, attemptNumber, msg, &transfer), false, 0
	}

	result := Result{
		Name:          req.Name,
		Ok:            true,
		CacheControl:  resp.Header.Get("Cache-Control"),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		AttemptNumber: attemptNumber,
		Transfer:      transfer,
	}

	if req.Filename == "" {
		result.Content = written
	} else {
		result.Filename = req.Filename
	}

	if req.Progress != nil {
		req.Progress(downloaded, downloaded)
	}

	return result, false, 0
}

var errBodyRead = errors.New("fetch: reading response body")

// consumeBody streams body to req.Filename if set, otherwise buffers it,
// hashing as it goes when req.SHA256 is set. It returns the number of
// bytes consumed and, for the in-memory case, the buffered bytes.
func (e *Engine) consumeBody(req Request, body io.Reader) (int64, []byte, error) {
	hasher := sha256.New()
	reader := io.TeeReader(body, hasher)

	var (
		n        int64
		buffered []byte
		err      error
	)

	if req.Filename != "" {
		var f *os.File

		f, err = os.Create(req.Filename)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %w", errBodyRead, err)
		}
		defer f.Close()

		n, err = io.Copy(f, reader)
	} else {
		var buf strings.Builder

		n, err = io.Copy(&buf, reader)
		buffered = []byte(buf.String())
	}

	if err != nil {
		return n, buffered, fmt.Errorf("%w: %w", errBodyRead, err)
	}

	if req.SHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, req.SHA256) {
			return n, buffered, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, req.SHA256, got)
		}
	}

	return n, buffered, nil
}

func applyAuth(req *http.Request, cred auth.Credential) {
	switch c := cred.(type) {
	case auth.BasicAuth:
		req.SetBasicAuth(c.User, c.Password)
	case auth.BearerToken:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case auth.CondaToken:
		// handled by insertCondaToken rewriting the request URL itself
	}
}

// insertCondaToken rewrites rawURL to insert "/t/<token>" immediately
// after the host, matching mamba's conda-token URL convention.
func insertCondaToken(rawURL, token string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Path = path.Join("/t/"+token, u.Path)

	return u.String()
}

func parseRetryAfter(header string) float64 {
	if header == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		return secs
	}

	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when).Seconds()
	}

	return 0
}

func failure(req Request, attempt int, msg string, transfer *Transfer) Result {
	r := Result{
		Name:          req.Name,
		Ok:            false,
		Message:       msg,
		AttemptNumber: attempt,
	}

	if transfer != nil {
		r.Transfer = *transfer
	}

	return r
}

func interrupted(req Request, attempt int) Result {
	return Result{
		Name:            req.Name,
		Ok:              false,
		Message:         rerrors.New(rerrors.UserInterrupted, "download cancelled").Error(),
		UserInterrupted: true,
		AttemptNumber:   attempt,
	}
}

func invokeSuccess(req Request, result Result) {
	if req.OnSuccess != nil {
		req.OnSuccess(result)
	}
}

func invokeFailure(req Request, result Result) {
	if req.IgnoreFailure {
		return
	}

	if req.OnFailure != nil {
		req.OnFailure(result)
	}
}
