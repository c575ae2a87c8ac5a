package resilientgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Send runs one logical request through the pipeline:
//
//  1. local rate limit check (no network on rejection)
//  2. cache lookup for cacheable reads
//  3. credential lookup for authenticated calls (no network when absent)
//  4. transport call with per-call timeout, retried per the idempotency rule
//  5. 401 clears the session and cache
//  6. successful writes invalidate their resource, cacheable reads are stored
//  7. other non-2xx responses become typed errors
func (gw *ResilientGateway) Send(ctx context.Context, desc *RequestDescriptor) (resp *Response, err error) {
	if desc == nil {
		return nil, errNilDescriptor
	}
	method := desc.method()
	target, query, err := splitTarget(desc.Path, desc.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid query in path %q: %w", desc.Path, err)
	}
	start := time.Now()
	defer func() { gw.metrics.observeRequest(method, err, time.Since(start)) }()

	log := gw.log.WithFields(logrus.Fields{"method": method, "path": desc.Path})

	if desc.RateLimitPolicy != "" {
		identifier := desc.RateLimitKey
		if identifier == "" {
			identifier = normalizePath(target)
		}
		decision, err := gw.limiter.Check(ctx, desc.RateLimitPolicy, identifier)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !decision.Allowed {
			gw.metrics.rateLimited(desc.RateLimitPolicy)
			log.WithField("remaining", decision.RemainingTime).Debug("rejected by local rate limit")
			return nil, rateLimitError(decision.RemainingTime)
		}
	}

	cacheable := desc.Cacheable && method == http.MethodGet
	var key string
	if cacheable {
		key = CacheKey(method, target, query)
		if data, ok := gw.cache.Read(key); ok {
			gw.metrics.cacheLookup(true)
			log.Debug("cache hit")
			return &Response{StatusCode: http.StatusOK, Data: data, FromCache: true}, nil
		}
		gw.metrics.cacheLookup(false)
	}

	var authorization string
	if desc.RequiresAuth {
		rec := gw.tokens.Get(ctx)
		if rec == nil {
			// Whatever is cached belongs to a session that no longer exists.
			gw.resetSession(ctx)
			return nil, &Error{Kind: KindAuth, Message: "Please sign in to continue."}
		}
		tok := rec.OAuth2()
		authorization = tok.Type() + " " + tok.AccessToken
	}

	req := gw.buildRequest(desc, method, target, query, authorization)

	if !cacheable {
		nresp, err := gw.roundTrip(ctx, desc, req)
		if err != nil {
			return nil, err
		}
		if !desc.isRead() {
			root := resourceRoot(target)
			n := gw.cache.InvalidateResource(root)
			log.WithFields(logrus.Fields{"resource": root, "evicted": n}).Debug("invalidated cache after write")
		}
		return toResponse(nresp), nil
	}

	// Identical concurrent reads share one network call. The generation in the
	// key keeps reads issued after an invalidation from joining an older flight.
	gen := gw.cache.Generation()
	flightKey := fmt.Sprintf("%s#%d#%s", key, gen, authorization)
	// The flight is detached from whichever caller started it; each caller
	// stops waiting on its own ctx. Per-call timeouts still bound each attempt.
	flightCtx := context.WithoutCancel(ctx)
	flight := gw.flights.DoChan(flightKey, func() (interface{}, error) {
		nresp, err := gw.roundTrip(flightCtx, desc, req)
		if err != nil {
			return nil, err
		}
		if !gw.cache.writeIfGeneration(key, nresp.Data, desc.CacheTTL, gen) {
			log.Debug("cache invalidated during fetch, not storing")
		}
		return nresp, nil
	})

	select {
	case <-ctx.Done():
		return nil, transportError(ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug("joined in-flight request")
		}
		return toResponse(res.Val.(*NormalizedResponse)), nil
	}
}

// roundTrip executes req with retries and classifies the response.
func (gw *ResilientGateway) roundTrip(ctx context.Context, desc *RequestDescriptor, req *NormalizedRequest) (*NormalizedResponse, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = gw.config.RequestTimeout
	}
	idempotent := desc.IsIdempotent || desc.isRead()

	resp, err := gw.executor.Execute(ctx, idempotent, func(ctx context.Context) (*NormalizedResponse, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := gw.transport.ExecuteRequest(callCtx, req)
		if errors.Is(err, ErrInvalidRequest) {
			return nil, &Error{Kind: KindUnknown, Err: err}
		}
		if err != nil {
			return nil, transportError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		gw.log.WithField("path", desc.Path).Info("authentication rejected, resetting session")
		gw.resetSession(ctx)
		return nil, classifyResponse(resp)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(resp)
	}
	return resp, nil
}

func (gw *ResilientGateway) buildRequest(desc *RequestDescriptor, method, target string, query url.Values, authorization string) *NormalizedRequest {
	headers := make(map[string]string, len(desc.Headers)+4)
	for k, v := range desc.Headers {
		headers[k] = v
	}
	headers["Accept"] = "application/json"
	if len(desc.Body) > 0 {
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	if authorization != "" {
		headers["Authorization"] = authorization
	}
	headers["X-Request-ID"] = uuid.NewString()

	endpoint := target
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return &NormalizedRequest{
		Method:   method,
		Endpoint: endpoint,
		Headers:  headers,
		Body:     desc.Body,
	}
}

func toResponse(r *NormalizedResponse) *Response {
	return &Response{
		StatusCode: r.StatusCode,
		Headers:    r.Headers,
		Data:       r.Data,
	}
}
