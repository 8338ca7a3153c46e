package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// MIMEApplicationMsgPack selects the msgpack envelope encoding
const MIMEApplicationMsgPack = "application/msgpack"

// maxInflatedSize caps a gzip request body after decompression
const maxInflatedSize = 8 << 20

// gzipReaderPool reuses klauspost readers across requests. Readers are
// created on demand since gzip.NewReader needs a valid header.
var gzipReaderPool sync.Pool

// EnvelopeHandler answers one payload with one envelope
type EnvelopeHandler interface {
	Lookup(ctx context.Context, raw []byte) *models.Envelope
	Sync(ctx context.Context, raw []byte) *models.Envelope
}

// RouteConfig guards the /api/v1 group
type RouteConfig struct {
	AuthToken          string // Empty disables bearer auth
	RateLimitPerMinute int    // Per client IP; 0 disables
}

// LookupRoutes exposes the lookup and sync operations over HTTP
type LookupRoutes struct {
	handler EnvelopeHandler
	config  RouteConfig
	limiter fiber.Handler
	logger  zerolog.Logger
}

// NewLookupRoutes creates the /api/v1 lookup routes
func NewLookupRoutes(handler EnvelopeHandler, config *RouteConfig, logger zerolog.Logger) *LookupRoutes {
	r := &LookupRoutes{
		handler: handler,
		logger:  logger.With().Str("component", "lookup-api").Logger(),
	}
	if config != nil {
		r.config = *config
	}
	r.limiter = rateLimit(r.config.RateLimitPerMinute, r.logger)
	return r
}

// RegisterRoutes registers the lookup endpoints
func (r *LookupRoutes) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/api/v1", r.limiter, bearerAuth(r.config.AuthToken))
	v1.Post("/lookup", r.handleLookup)
	v1.Post("/sync", r.handleSync)
}

func (r *LookupRoutes) handleLookup(c *fiber.Ctx) error {
	return r.serve(c, r.handler.Lookup)
}

func (r *LookupRoutes) handleSync(c *fiber.Ctx) error {
	return r.serve(c, r.handler.Sync)
}

func (r *LookupRoutes) serve(c *fiber.Ctx, fn func(context.Context, []byte) *models.Envelope) error {
	body, err := requestBody(c)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("request_id", requestIDFrom(c)).
			Msg("Rejected request body")
		return writeEnvelope(c, models.Fail("Invalid request body", models.CodeInput, map[string]string{
			"reason": err.Error(),
		}))
	}

	return writeEnvelope(c, fn(c.UserContext(), body))
}

// requestBody returns the request payload, inflating it when the client
// sent Content-Encoding: gzip. The result never aliases fasthttp's buffer.
func requestBody(c *fiber.Ctx) ([]byte, error) {
	// Request.Body leaves Content-Encoding alone, the pooled reader inflates
	raw := c.Request().Body()

	if !strings.EqualFold(strings.TrimSpace(c.Get(fiber.HeaderContentEncoding)), "gzip") {
		return append([]byte(nil), raw...), nil
	}
	return inflate(raw)
}

func inflate(data []byte) ([]byte, error) {
	var reader *gzip.Reader
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		if err := reader.Reset(bytes.NewReader(data)); err != nil {
			gzipReaderPool.Put(reader)
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
	} else {
		var err error
		reader, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
	}
	defer gzipReaderPool.Put(reader)

	out, err := io.ReadAll(io.LimitReader(reader, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("decompressed body exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}

// HTTPStatus maps an envelope onto the response status code
func HTTPStatus(env *models.Envelope) int {
	if env.IsOK() {
		return fiber.StatusOK
	}
	switch env.Code {
	case models.CodeInput:
		return fiber.StatusBadRequest
	case models.CodeAPI, models.CodeQuery:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeEnvelope encodes env as msgpack when the client asks for it, JSON otherwise
func writeEnvelope(c *fiber.Ctx, env *models.Envelope) error {
	c.Status(HTTPStatus(env))

	if !acceptsMsgPack(c) {
		return c.JSON(env)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(env.Wire()); err != nil {
		return fmt.Errorf("encode msgpack envelope: %w", err)
	}

	c.Set(fiber.HeaderContentType, MIMEApplicationMsgPack)
	return c.Send(buf.Bytes())
}

func acceptsMsgPack(c *fiber.Ctx) bool {
	for _, part := range strings.Split(c.Get(fiber.HeaderAccept), ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case MIMEApplicationMsgPack, "application/x-msgpack":
			return true
		}
	}
	return false
}
