// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm-proxy-go/internal/client"
	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/metrics"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/provider"
	"llm-proxy-go/internal/sse"
	"llm-proxy-go/internal/tee"
	"llm-proxy-go/internal/usage"
)

// strippedRequestHeaders never reach the upstream. Caller credentials are
// replaced by the provider's own; Accept-Encoding is left to the transport so
// bodies arrive decoded and can be inspected.
var strippedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Authorization",
	"X-Api-Key",
	"X-Daemon-Token",
	"X-Goog-Api-Key",
	"Accept-Encoding",
}

// strippedResponseHeaders are recomputed by the server once the body is
// re-streamed to the client.
var strippedResponseHeaders = []string{
	"Content-Length",
	"Connection",
	"Transfer-Encoding",
	"Content-Encoding",
}

const (
	sinkTimeout   = 10 * time.Second
	meterReadSize = 32 * 1024
)

// ProxyService forwards authorized requests to a provider and meters the
// responses on usage-relevant paths.
type ProxyService struct {
	client      *client.UpstreamClient
	sink        usage.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	meterBuffer int64

	tasks sync.WaitGroup
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, sink usage.Sink, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:      c,
		sink:        sink,
		metrics:     m,
		logger:      logger.With("component", "proxy_service"),
		meterBuffer: cfg.Upstream.MeterBufferBytes,
	}
}

// BuildTarget maps an inbound request onto the provider's upstream URL,
// strips caller credentials and injects the provider's own.
func BuildTarget(ad provider.Adapter, pr *model.ProxyRequest) model.Target {
	p := strings.TrimPrefix(pr.Path, "/")
	if p == "" {
		p = ad.DefaultPath()
	}
	p = ad.RewritePath(p)

	u := *ad.BaseURL()
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + p
	u.RawPath = ""

	q := make(url.Values, len(pr.Query))
	for k, v := range pr.Query {
		if authParam := ad.AuthQueryParam(); authParam != "" && k == authParam {
			continue
		}
		q[k] = slices.Clone(v)
	}

	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range strippedRequestHeaders {
		header.Del(h)
	}

	ad.InjectAuth(q, header)
	u.RawQuery = q.Encode()

	var body []byte
	if pr.HasBody() {
		body = pr.Buffered()
	}
	return model.Target{URL: &u, Header: header, Body: body}
}

// Forward sends pr to the provider and returns the client-facing response.
// The caller is responsible for closing the response body.
//
// Event streams on metered paths are split: the client reads one copy while a
// background task meters the other until its usage is found or the stream
// ends. That task is not bound to the client's context and survives a client
// disconnect. JSON bodies on metered paths are buffered, metered inline and
// returned byte for byte. Everything else passes through untouched.
func (s *ProxyService) Forward(ad provider.Adapter, pr *model.ProxyRequest, ac model.AuthContext) (*model.ProxyResponse, error) {
	target := BuildTarget(ad, pr)

	parent := pr.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, cancel)
	release := func() {
		stop()
		cancel()
	}

	s.logger.Debug("forwarding request",
		"provider", ad.Name(),
		"method", pr.Method,
		"path", target.URL.Path,
	)

	resp, err := s.client.DoStream(ctx, ad.Name(), pr.Method, target)
	if err != nil {
		release()
		return nil, fmt.Errorf("forward to %s: %w", ad.Name(), err)
	}
	for _, h := range strippedResponseHeaders {
		resp.Header.Del(h)
	}

	path := target.URL.Path
	if !ad.Metered(path) {
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
		return resp, nil
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		// From here on only the tee decides when the upstream is released.
		stop()
		src := &releasingBody{ReadCloser: resp.Body, release: cancel}
		clientBody, meterBody := tee.Split(src, s.meterBuffer)
		s.startMeter(ad, path, ac, meterBody)
		resp.Body = clientBody

	case strings.Contains(contentType, "application/json"):
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		release()
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", ad.Name(), err)
		}
		s.meterJSON(context.WithoutCancel(parent), ad, path, ac, body)
		resp.Body = io.NopCloser(bytes.NewReader(body))

	default:
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	}
	return resp, nil
}

// Drain waits for background metering tasks to finish or for ctx to end.
func (s *ProxyService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain metering tasks: %w", ctx.Err())
	}
}

func (s *ProxyService) meterJSON(ctx context.Context, ad provider.Adapter, path string, ac model.AuthContext, body []byte) {
	u, ok := ad.ExtractJSON(body, ac.RequestModel)
	if !ok {
		return
	}
	s.emit(ctx, ad, path, ac, u)
}

func (s *ProxyService) startMeter(ad provider.Adapter, path string, ac model.AuthContext, r io.ReadCloser) {
	if s.metrics != nil {
		s.metrics.MeterTasksInFlight.Inc()
	}
	s.tasks.Go(func() {
		defer func() {
			if s.metrics != nil {
				s.metrics.MeterTasksInFlight.Dec()
			}
		}()
		defer func() {
			if v := recover(); v != nil {
				s.failure(ad.Name(), metrics.StageParse, 1)
				s.logger.Error("metering task panicked", "provider", ad.Name(), "panic", v)
			}
		}()
		s.meterStream(ad, path, ac, r)
	})
}

func (s *ProxyService) meterStream(ad provider.Adapter, path string, ac model.AuthContext, r io.ReadCloser) {
	defer r.Close()

	parser := sse.NewParser(s.logger)
	meter := ad.NewMeter(ac.RequestModel)
	buf := make([]byte, meterReadSize)

	for {
		n, err := r.Read(buf)
		if n > 0 && observe(meter, parser.Feed(buf[:n])) {
			break
		}
		if errors.Is(err, io.EOF) {
			observe(meter, parser.Flush())
			break
		}
		if errors.Is(err, tee.ErrMeterOverflow) {
			s.failure(ad.Name(), metrics.StageBuffer, 1)
			s.logger.Warn("metering buffer overflowed, dropping usage",
				"provider", ad.Name(),
				"path", path,
			)
			return
		}
		if err != nil {
			// Usage observed before the break is still emitted.
			s.failure(ad.Name(), metrics.StageRead, 1)
			s.logger.Warn("metering stream read failed",
				"provider", ad.Name(),
				"path", path,
				"error", err,
			)
			break
		}
	}

	if bad := parser.Malformed(); bad > 0 {
		s.failure(ad.Name(), metrics.StageParse, bad)
	}

	u, ok := meter.Result()
	if !ok {
		s.logger.Debug("stream carried no usage", "provider", ad.Name(), "path", path)
		return
	}
	s.emit(context.Background(), ad, path, ac, u)
}

func observe(m provider.Meter, events []sse.Event) bool {
	for _, ev := range events {
		if m.Observe(ev) {
			return true
		}
	}
	return false
}

func (s *ProxyService) emit(ctx context.Context, ad provider.Adapter, path string, ac model.AuthContext, u provider.Usage) {
	rec := model.UsageRecord{
		ID:         uuid.NewString(),
		Provider:   ad.Name(),
		Path:       path,
		Usage:      u.Raw,
		UserID:     ac.CallerID,
		Model:      u.Model,
		ResponseID: u.ResponseID,
		MessageID:  u.MessageID,
		Tokens:     u.Tokens,
		CreatedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := s.sink.LogUsage(ctx, rec); err != nil {
		s.failure(ad.Name(), metrics.StageSink, 1)
		s.logger.Error("usage sink failed",
			"provider", ad.Name(),
			"id", rec.ID,
			"error", err,
		)
	}
}

func (s *ProxyService) failure(name, stage string, n int) {
	if s.metrics != nil {
		s.metrics.MeterFailures.WithLabelValues(name, stage).Add(float64(n))
	}
}

// releasingBody runs release once after the wrapped body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
