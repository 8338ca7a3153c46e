package airtable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
)

// gzipReaderPool pools gzip readers to reduce allocations on compressed pages
var gzipReaderPool sync.Pool

// FastHTTPExecutor issues requests with fasthttp and asks for gzip bodies.
// It does not read proxy variables, which is why SelectExecutor refuses it
// when a proxy is configured.
type FastHTTPExecutor struct {
	client *fasthttp.Client
}

// NewFastHTTPExecutor creates an executor with a pooled fasthttp client
func NewFastHTTPExecutor() *FastHTTPExecutor {
	return &FastHTTPExecutor{
		client: &fasthttp.Client{
			Name:                "airlookup",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 30 * time.Second,
			MaxResponseBodySize: maxResponseBytes,
		},
	}
}

func (e *FastHTTPExecutor) Name() string { return StrategyFastHTTP }

func (e *FastHTTPExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// GetPage performs the request with a deadline derived from req.Timeout and ctx
func (e *FastHTTPExecutor) GetPage(ctx context.Context, req PageRequest) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(pageTimeout(req.Timeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(req.URL)
	httpReq.Header.SetMethod(fasthttp.MethodGet)
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip")

	if err := e.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return nil, err
	}

	raw := httpResp.Body()
	var body []byte
	if bytes.EqualFold(httpResp.Header.Peek(fasthttp.HeaderContentEncoding), []byte("gzip")) {
		inflated, err := gunzip(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptBody, err)
		}
		body = inflated
	} else {
		// The response buffer is released on return
		body = append([]byte(nil), raw...)
	}

	return &Page{StatusCode: httpResp.StatusCode(), Body: body}, nil
}

func gunzip(data []byte) ([]byte, error) {
	var zr *gzip.Reader
	if pooled := gzipReaderPool.Get(); pooled != nil {
		zr = pooled.(*gzip.Reader)
		if err := zr.Reset(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	} else {
		var err error
		zr, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		zr.Close()
		gzipReaderPool.Put(zr)
	}()

	out, err := io.ReadAll(io.LimitReader(zr, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxResponseBytes {
		return nil, fmt.Errorf("decompressed body exceeds %d bytes", maxResponseBytes)
	}
	return out, nil
}
