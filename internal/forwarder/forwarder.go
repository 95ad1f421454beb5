// Package forwarder implements the request forwarder (C5): it builds
// the backend request, writes it to a pooled connection, and relays the
// backend's response back to the client, either buffered or streamed.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"ntonix/internal/breaker"
	"ntonix/internal/pool"
	"ntonix/internal/types"
)

// Config mirrors SPEC_FULL.md §6's Forwarder and Stream configuration
// surfaces.
type Config struct {
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	AddForwardedHeaders bool
	GenerateRequestID   bool

	StreamBufferSize  int
	StreamReadTimeout time.Duration
	DetectDoneMarker  bool
	ForwardChunked    bool
}

// hopByHop headers are connection-scoped and must never be relayed
// between the gateway and either side of it.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// doneMarkers are the SSE sentinels that signal end-of-stream for the
// OpenAI-style chat completions API.
var doneMarkers = [][]byte{
	[]byte("data: [DONE]"),
	[]byte("[DONE]"),
}

// Result describes the outcome of forwarding one request.
type Result struct {
	StatusCode    int
	Headers       http.Header
	Body          []byte // populated only for non-streaming results
	ContentType   string
	Streamed      bool
	BytesStreamed int64
	Latency       time.Duration
	Err           error
}

// Forwarder checks out a pooled connection per request, writes the
// backend request, and relays the response.
type Forwarder struct {
	cfg     Config
	pool    *pool.Manager
	breaker *breaker.Manager
}

// New creates a Forwarder backed by the given connection pool and
// forward breaker.
func New(cfg Config, pool *pool.Manager, breaker *breaker.Manager) *Forwarder {
	return &Forwarder{cfg: cfg, pool: pool, breaker: breaker}
}

// AllBreakersOpen reports whether every backend in the set has its
// forward breaker tripped open, i.e. the aggregate NoBackends case from
// the error taxonomy (Select returned a Healthy backend, but none of
// them are currently reachable per the breaker). An empty set is never
// considered "all open".
func (f *Forwarder) AllBreakersOpen(backends []types.Backend) bool {
	if len(backends) == 0 {
		return false
	}
	for _, b := range backends {
		if f.breaker.State(b.Key()) != "open" {
			return false
		}
	}
	return true
}

// Forward sends r to backend and copies the response to w. clientIP is
// used for X-Forwarded-For/X-Real-IP. requestID is the value already
// resolved for X-Request-ID (the caller generates or extracts it once,
// outside the breaker, and also sets it on the client response).
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte, backend types.Backend, clientIP, requestID string) Result {
	start := time.Now()

	var result Result
	var execErr error
	berr := f.breaker.Execute(backend.Key(), func() error {
		result, execErr = f.forward(w, r, body, backend, clientIP, requestID)
		return f.breakerFailure(execErr)
	})
	result.Latency = time.Since(start)
	if execErr != nil {
		result.Err = execErr
	} else if berr != nil {
		result.Err = berr // breaker open: fn above never ran
	}
	return result
}

// breakerFailure decides whether err should count toward the breaker's
// ConsecutiveFailures. PoolExhausted (local resource saturation) and
// Internal (request-construction failure) are never backend-health
// signals, so they're filtered out here rather than never entering
// f.breaker.Execute at all — SPEC_FULL.md §4.8's breaker failure classes
// are ConnectFailed/WriteFailed/ReadFailed/Timeout only. A burst of
// traffic that merely exceeds pool_size_per_backend must never trip the
// breaker for an otherwise-healthy backend.
func (f *Forwarder) breakerFailure(err error) error {
	var gwErr *types.GatewayError
	if errors.As(err, &gwErr) && (gwErr.Kind == types.KindPoolExhausted || gwErr.Kind == types.KindInternal) {
		return nil
	}
	return err
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, body []byte, backend types.Backend, clientIP, requestID string) (Result, error) {
	guard, err := f.pool.Checkout(backend)
	if err != nil {
		if errors.Is(err, types.ErrPoolExhausted) {
			return Result{}, types.NewGatewayError(types.KindPoolExhausted, backend.Key(), err)
		}
		return Result{}, err // already classified (KindConnectFailed) by pool's dial
	}
	reusable := true
	defer func() { guard.Release(reusable) }()

	backendReq, err := f.buildBackendRequest(r, body, backend, clientIP, requestID)
	if err != nil {
		reusable = false
		return Result{}, types.NewGatewayError(types.KindInternal, backend.Key(), err)
	}

	conn := guard.Conn()
	conn.SetDeadline(time.Now().Add(f.cfg.RequestTimeout))

	if err := backendReq.Write(conn); err != nil {
		reusable = false
		return Result{}, f.classifyErr(types.KindWriteFailed, backend.Key(), err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, backendReq)
	if err != nil {
		reusable = false
		return Result{}, f.classifyErr(types.KindReadFailed, backend.Key(), err)
	}
	defer resp.Body.Close()

	if f.isStreamingRequest(r, body) && isStreamingResponse(resp) {
		reusable = false // a streamed connection is never handed back to the pool
		n, err := f.relayStream(r.Context(), conn, w, resp)
		if err != nil {
			return Result{}, f.classifyErr(types.KindReadFailed, backend.Key(), err)
		}
		return Result{StatusCode: resp.StatusCode, Streamed: true, BytesStreamed: n}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		reusable = false
		return Result{}, f.classifyErr(types.KindReadFailed, backend.Key(), err)
	}
	conn.SetDeadline(time.Time{})
	reusable = connReusable(resp)

	return Result{
		StatusCode:  resp.StatusCode,
		Headers:     filterHopByHop(resp.Header),
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// classifyErr promotes a deadline-exceeded net.Error to KindTimeout so
// it reports as a 504 and counts toward the breaker's Timeout failure
// class instead of being folded into the generic write/read failure
// kind, regardless of which call along the connection (write, read
// header, read body, or stream relay) produced it.
func (f *Forwarder) classifyErr(defaultKind types.Kind, backend string, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return types.NewGatewayError(types.KindTimeout, backend, err)
	}
	return types.NewGatewayError(defaultKind, backend, err)
}

// buildBackendRequest constructs the request sent to backend, grounded
// on the reference forwarder's header passthrough policy: Content-Type,
// Authorization, Accept, Accept-Encoding and User-Agent pass through
// unchanged; Host is rewritten to the backend address; Connection is
// forced to keep-alive; X-Forwarded-For/X-Real-IP/X-Request-ID are
// added or passed through.
func (f *Forwarder) buildBackendRequest(r *http.Request, body []byte, backend types.Backend, clientIP, requestID string) (*http.Request, error) {
	backendReq, err := http.NewRequest(r.Method, r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	backendReq.Host = backend.Addr()
	backendReq.URL.Scheme = "http"
	backendReq.URL.Host = backend.Addr()

	for _, h := range []string{"Content-Type", "Authorization", "Accept", "Accept-Encoding", "User-Agent"} {
		if v := r.Header.Get(h); v != "" {
			backendReq.Header.Set(h, v)
		}
	}
	backendReq.Header.Set("Connection", "keep-alive")

	if f.cfg.AddForwardedHeaders && clientIP != "" {
		forwardedFor := clientIP
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			forwardedFor = prior + ", " + clientIP
		}
		backendReq.Header.Set("X-Forwarded-For", forwardedFor)

		if existing := r.Header.Get("X-Real-IP"); existing != "" {
			backendReq.Header.Set("X-Real-IP", existing)
		} else {
			backendReq.Header.Set("X-Real-IP", clientIP)
		}
	}

	if requestID != "" {
		backendReq.Header.Set("X-Request-ID", requestID)
	}

	backendReq.ContentLength = int64(len(body))
	return backendReq, nil
}

// ResolveRequestID returns the client-supplied X-Request-ID, or
// generates a new UUID if GenerateRequestID is enabled and none was
// supplied.
func (f *Forwarder) ResolveRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if f.cfg.GenerateRequestID {
		return uuid.NewString()
	}
	return ""
}

// streamTrue matches an OpenAI-style "stream": true field, with any
// whitespace around the colon.
var streamTrue = regexp.MustCompile(`"stream"\s*:\s*true`)

// isStreamingRequest detects an OpenAI-style "stream": true request body,
// or an Accept: text/event-stream header.
func (f *Forwarder) isStreamingRequest(r *http.Request, body []byte) bool {
	if streamTrue.Match(body) {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// isStreamingResponse decides whether a backend response should be
// relayed as a stream rather than buffered and cached whole.
func isStreamingResponse(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	if isChunked(resp) {
		return !strings.Contains(contentType, "application/json")
	}
	return false
}

func isChunked(resp *http.Response) bool {
	for _, v := range resp.TransferEncoding {
		if strings.EqualFold(v, "chunked") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked")
}

// relayStream writes the response header then copies the body to w
// chunk by chunk, stopping early on an SSE [DONE] marker, the client
// disconnecting (detected via request context cancellation, the
// idiomatic Go equivalent of the reference implementation's socket
// peek), or the backend closing its side.
func (f *Forwarder) relayStream(ctx context.Context, conn net.Conn, w http.ResponseWriter, resp *http.Response) (int64, error) {
	header := w.Header()
	for k, values := range resp.Header {
		if hopByHop[k] || k == "Content-Length" {
			continue
		}
		for _, v := range values {
			header.Add(k, v)
		}
	}
	if f.cfg.ForwardChunked {
		header.Del("Content-Length")
		header.Set("Transfer-Encoding", "chunked")
	}
	header.Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	buf := make([]byte, f.cfg.StreamBufferSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, nil // client disconnected
		default:
		}

		conn.SetReadDeadline(time.Now().Add(f.cfg.StreamReadTimeout))
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return total, nil // client disconnected mid-write
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
			if f.cfg.DetectDoneMarker && containsDoneMarker(buf[:n]) {
				return total, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

func containsDoneMarker(data []byte) bool {
	for _, marker := range doneMarkers {
		if bytes.Contains(data, marker) {
			return true
		}
	}
	return false
}

func filterHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		if hopByHop[k] || k == "Server" {
			continue
		}
		out[k] = values
	}
	return out
}

func connReusable(resp *http.Response) bool {
	for _, v := range resp.Header.Values("Connection") {
		if strings.EqualFold(v, "close") {
			return false
		}
	}
	return true
}
