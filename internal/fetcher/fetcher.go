package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Class is the outcome classification of a single fetch.
type Class int

const (
	// ClassOK carries a response body and HTTP status below 410.
	ClassOK Class = iota
	// ClassTimeout means no completion arrived within the timeout window.
	ClassTimeout
	// ClassNetworkError covers non-TLS transport failures.
	ClassNetworkError
	// ClassTLSError covers certificate and handshake failures.
	ClassTLSError
	// ClassDeprecated marks a retired endpoint (HTTP 410 Gone).
	ClassDeprecated
)

// String names the classification for logs.
func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTimeout:
		return "timeout"
	case ClassNetworkError:
		return "network_error"
	case ClassTLSError:
		return "tls_error"
	case ClassDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// Result is handed to the completion callback of every fetch.
type Result struct {
	URL       string
	Class     Class
	Status    int
	Body      []byte
	Err       error
	TLSErrors []string
}

// OK reports whether the payload may be parsed.
func (r Result) OK() bool {
	return r.Class == ClassOK
}

// Deprecated reports whether the endpoint signalled retirement.
// Callers must not process the payload when this is set.
func (r Result) Deprecated() bool {
	return r.Class == ClassDeprecated
}

// Options parameterise the fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
}

// Client issues single outbound GET requests with a timeout policy and
// at-most-one completion per request.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
}

// New constructs a fetch client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "marketsync/1.0"
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "fetcher").Logger(),
		client: &http.Client{},
	}
}

// Fetch issues an asynchronous GET and invokes onDone exactly once with the
// classified result. A timeout supersedes a later real completion; the late
// completion is discarded.
func (c *Client) Fetch(ctx context.Context, url string, onDone func(Result)) {
	go func() {
		onDone(c.Get(ctx, url))
	}()
}

// Get issues a GET and blocks until the first of: completion, timeout, or
// context cancellation. Late completions after a timeout are discarded.
func (c *Client) Get(ctx context.Context, url string) Result {
	reqID := uuid.NewString()

	resCh := make(chan Result, 1)
	go func() {
		resCh <- c.do(ctx, url)
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	var res Result
	select {
	case res = <-resCh:
	case <-timer.C:
		res = Result{URL: url, Class: ClassTimeout}
	case <-ctx.Done():
		res = Result{URL: url, Class: ClassNetworkError, Err: ctx.Err()}
	}

	event := c.logger.Debug()
	if res.Class != ClassOK {
		event = c.logger.Warn()
	}
	event.
		Str("request_id", reqID).
		Str("url", url).
		Stringer("class", res.Class).
		Int("status", res.Status).
		Err(res.Err).
		Msg("fetch finished")

	return res
}

func (c *Client) do(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{URL: url, Class: ClassNetworkError, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{URL: url, Class: ClassNetworkError, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusGone {
		return Result{URL: url, Class: ClassDeprecated, Status: resp.StatusCode, Body: body}
	}

	return Result{URL: url, Class: ClassOK, Status: resp.StatusCode, Body: body}
}

func classifyTransportError(url string, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{URL: url, Class: ClassTimeout, Err: err}
	}

	if msgs := tlsErrorMessages(err); len(msgs) > 0 {
		return Result{URL: url, Class: ClassTLSError, Err: err, TLSErrors: msgs}
	}

	return Result{URL: url, Class: ClassNetworkError, Err: err}
}

func tlsErrorMessages(err error) []string {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		msgs := make([]string, 0, len(verifyErr.UnverifiedCertificates)+1)
		msgs = append(msgs, verifyErr.Error())
		return msgs
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return []string{recordErr.Error()}
	}

	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return []string{hostnameErr.Error()}
	}

	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return []string{authorityErr.Error()}
	}

	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return []string{invalidErr.Error()}
	}

	return nil
}
