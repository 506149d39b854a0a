// Package gateway issues REST calls to the chat backend. It injects the
// current credential and, when the server rejects it, runs exactly one refresh
// per rejection episode no matter how many calls fail at once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/pliu/chattysync/internal/auth"
	"github.com/pliu/chattysync/internal/metrics"
	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/syncerr"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// Refresher exchanges a refresh token for a new credential. The gateway calls
// it at most once per rejection episode.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Credential, error)
}

type Request struct {
	// Op names the call in errors and logs, e.g. "send_message".
	Op     string
	Method string
	Path   string
	Query  url.Values
	Body   any
	// SkipAuth sends the request without a credential and never refreshes.
	SkipAuth bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// episode is the outcome of the last refresh, keyed by the token it replaced
// and, once issued, the token that replaced it.
type episode struct {
	from string
	to   string
	err  error
}

type Gateway struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	creds   *auth.CredentialStore
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	mu        sync.Mutex
	refresher Refresher
	last      *episode
	terminal  map[int]func(error)
	nextID    int
}

func New(creds *auth.CredentialStore, opts Options) *Gateway {
	g := &Gateway{
		baseURL:  opts.BaseURL,
		timeout:  opts.Timeout,
		client:   opts.HTTPClient,
		creds:    creds,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		terminal: make(map[int]func(error)),
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.client == nil {
		// refresh endpoints may rely on an http-only cookie
		jar, _ := cookiejar.New(nil)
		g.client = &http.Client{Jar: jar}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return g
}

// SetRefresher wires the auth collaborator. It is separate from New because
// the auth service itself calls through the gateway.
func (g *Gateway) SetRefresher(r Refresher) {
	g.mu.Lock()
	g.refresher = r
	g.mu.Unlock()
}

// OnTerminal registers fn to run when the session ends because refresh failed
// or a replay was rejected. The returned func unregisters it.
func (g *Gateway) OnTerminal(fn func(error)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.terminal[id] = fn
	return func() {
		g.mu.Lock()
		delete(g.terminal, id)
		g.mu.Unlock()
	}
}

// Credentials exposes the store the gateway reads from.
func (g *Gateway) Credentials() *auth.CredentialStore {
	return g.creds
}

// Do sends req. A 401 triggers the coordinated refresh and a single replay
// with the new credential. Non-2xx results come back as *syncerr.Error.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	token := ""
	if !req.SkipAuth {
		token = g.creds.Token()
	}

	resp, err := g.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	// without a credential there is nothing to refresh
	if resp.Status != http.StatusUnauthorized || req.SkipAuth || token == "" {
		return g.check(req, resp)
	}

	newToken, err := g.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = g.send(ctx, req, newToken)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, g.rejectReplay(req.Op, token, newToken)
	}
	return g.check(req, resp)
}

// Refresh runs the coordinated refresh on behalf of a caller whose stale
// token was rejected outside Do, such as a websocket handshake or a restored
// credential that has expired. An empty stale means the current token. A
// failure is terminal exactly as it is for Do.
func (g *Gateway) Refresh(ctx context.Context, stale string) (string, error) {
	if stale == "" {
		stale = g.creds.Token()
	}
	if stale == "" {
		return "", &syncerr.Error{Kind: syncerr.ErrAuthRejected, Op: "refresh", Message: "no credential"}
	}
	return g.refresh(ctx, stale)
}

// rejectReplay ends the session after the refreshed token was refused too.
// Concurrent replays of one episode share the outcome and only the first
// notifies the terminal listeners.
func (g *Gateway) rejectReplay(op, from, to string) error {
	g.mu.Lock()
	if l := g.last; l != nil && l.err != nil && (l.from == from || l.to == to) {
		g.mu.Unlock()
		return l.err
	}
	terr := &syncerr.Error{Kind: syncerr.ErrAuthTerminal, Op: op, Status: http.StatusUnauthorized, Message: "replay rejected after refresh"}
	g.last = &episode{from: from, to: to, err: terr}
	g.mu.Unlock()

	g.terminate(terr)
	return terr
}

// JSON sends req and decodes the response's "data" field into out. Bodies
// without an envelope are decoded whole.
func (g *Gateway) JSON(ctx context.Context, req Request, out any) error {
	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &env); err == nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return syncerr.New(syncerr.ErrProtocolMalformed, req.Op, err)
		}
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return syncerr.New(syncerr.ErrProtocolMalformed, req.Op, err)
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, req Request, token string) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, syncerr.New(syncerr.ErrNetworkTransient, req.Op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	u := g.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", req.Op, err)
		}
		body = bytes.NewReader(b)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	hresp, err := g.client.Do(hreq)
	if err != nil {
		g.record("transient")
		g.logger.Debug("gateway_request_failed", "op", req.Op, "method", method, "path", req.Path, "error", err)
		return nil, syncerr.New(syncerr.ErrNetworkTransient, req.Op, err)
	}
	defer hresp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		g.record("transient")
		return nil, syncerr.New(syncerr.ErrNetworkTransient, req.Op, err)
	}
	g.logger.Debug("gateway_request", "op", req.Op, "method", method, "path", req.Path,
		"status", hresp.StatusCode, "duration", time.Since(start))
	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: b}, nil
}

func (g *Gateway) check(req Request, resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		g.record("ok")
		return resp, nil
	}

	var env struct {
		Message string `json:"message"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = env.Message
	}
	err := syncerr.FromStatus(req.Op, resp.Status, env.Error.Code, msg)
	switch {
	case errors.Is(err, syncerr.ErrAuthRejected):
		g.record("auth_rejected")
	case errors.Is(err, syncerr.ErrNetworkTransient):
		g.record("transient")
	default:
		g.record("rejected")
	}
	return nil, err
}

// refresh returns a credential usable in place of usedToken. Concurrent
// callers share one in-flight refresh; late callers whose token was already
// replaced reuse that episode's outcome instead of starting another.
func (g *Gateway) refresh(ctx context.Context, usedToken string) (string, error) {
	if tok, err, ok := g.settled(usedToken); ok {
		return tok, err
	}

	ch := g.group.DoChan("refresh", func() (any, error) {
		if tok, err, ok := g.settled(usedToken); ok {
			return tok, err
		}
		return g.doRefresh(ctx, usedToken)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", syncerr.New(syncerr.ErrNetworkTransient, "refresh_wait", ctx.Err())
	}
}

func (g *Gateway) settled(usedToken string) (string, error, bool) {
	g.mu.Lock()
	last := g.last
	g.mu.Unlock()

	if last != nil && last.err != nil && (last.from == usedToken || last.to == usedToken) {
		return "", last.err, true
	}
	current := g.creds.Token()
	if current == "" {
		// cleared by logout or an earlier terminal outcome
		if last != nil && last.err != nil {
			return "", last.err, true
		}
		return "", &syncerr.Error{Kind: syncerr.ErrAuthTerminal, Op: "refresh", Message: "credential cleared"}, true
	}
	if current != usedToken {
		return current, nil, true
	}
	return "", nil, false
}

func (g *Gateway) doRefresh(ctx context.Context, from string) (any, error) {
	g.mu.Lock()
	refresher := g.refresher
	g.mu.Unlock()

	refreshToken := ""
	if cur := g.creds.Get(); cur != nil {
		refreshToken = cur.RefreshToken
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	var (
		cred models.Credential
		err  error
	)
	switch {
	case refresher == nil:
		err = errors.New("no refresher configured")
	case refreshToken == "":
		err = errors.New("no refresh token")
	default:
		cred, err = refresher.Refresh(rctx, refreshToken)
	}
	if err == nil && cred.Token == "" {
		err = errors.New("refresh returned no token")
	}

	if err != nil {
		g.recordRefresh("failed")
		g.logger.Warn("refresh_failed", "error", err)
		terr := syncerr.New(syncerr.ErrAuthTerminal, "refresh", err)
		g.mu.Lock()
		g.last = &episode{from: from, err: terr}
		g.mu.Unlock()
		g.terminate(terr)
		return nil, terr
	}

	if cred.UserID == "" {
		if cur := g.creds.Get(); cur != nil {
			cred.UserID = cur.UserID
		}
	}
	if err := g.creds.Set(cred); err != nil {
		// the in-memory credential is already swapped
		g.logger.Warn("refresh_persist_failed", "error", err)
	}
	g.mu.Lock()
	g.last = &episode{from: from, to: cred.Token}
	g.mu.Unlock()
	g.recordRefresh("ok")
	g.logger.Info("refresh_succeeded")
	return cred.Token, nil
}

// terminate clears the credential and notifies every terminal listener. A
// panicking listener does not stop the others.
func (g *Gateway) terminate(err error) {
	if cerr := g.creds.Clear(); cerr != nil {
		g.logger.Warn("credential_clear_failed", "error", cerr)
	}

	g.mu.Lock()
	fns := make([]func(error), 0, len(g.terminal))
	for _, fn := range g.terminal {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("terminal_listener_panic", "panic", r)
				}
			}()
			fn(err)
		}()
	}
}

func (g *Gateway) record(outcome string) {
	if g.metrics != nil {
		g.metrics.GatewayRequests.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) recordRefresh(result string) {
	if g.metrics != nil {
		g.metrics.Refreshes.WithLabelValues(result).Inc()
	}
}
