package lookup

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/basekick-labs/airlookup/internal/config"
	"github.com/basekick-labs/airlookup/internal/logger"
	"github.com/basekick-labs/airlookup/internal/metrics"
	"github.com/basekick-labs/airlookup/pkg/models"
	"github.com/rs/zerolog"
)

// HandlerConfig holds what a Handler needs. Fetcher is nil when the client
// could not be built; ClientErr then says why.
type HandlerConfig struct {
	Config    *config.Config
	Fetcher   Fetcher
	ClientErr error
	Logger    zerolog.Logger
}

// Handler turns a raw request payload into exactly one envelope
type Handler struct {
	cfg       *config.Config
	service   *Service
	clientErr error
	logger    zerolog.Logger
}

// NewHandler creates a handler
func NewHandler(hc *HandlerConfig) *Handler {
	h := &Handler{
		cfg:       hc.Config,
		clientErr: hc.ClientErr,
		logger:    hc.Logger.With().Str("component", "lookup-handler").Logger(),
	}
	if hc.Fetcher != nil {
		h.service = NewService(hc.Config, hc.Fetcher, hc.Logger)
	}
	return h
}

// Handle dispatches on the payload: a "mode" key means bulk sync,
// anything else is a point lookup.
func (h *Handler) Handle(ctx context.Context, raw []byte) *models.Envelope {
	return h.guard(ctx, func(start time.Time) *models.Envelope {
		payload, err := decodePayload(raw)
		if err != nil {
			return err.Envelope()
		}
		if isSyncPayload(payload) {
			return h.sync(ctx, payload, start)
		}
		return h.lookup(ctx, payload, start)
	})
}

// Lookup handles a payload as a point lookup regardless of its keys
func (h *Handler) Lookup(ctx context.Context, raw []byte) *models.Envelope {
	return h.guard(ctx, func(start time.Time) *models.Envelope {
		payload, err := decodePayload(raw)
		if err != nil {
			return err.Envelope()
		}
		return h.lookup(ctx, payload, start)
	})
}

// Sync handles a payload as a bulk sync
func (h *Handler) Sync(ctx context.Context, raw []byte) *models.Envelope {
	return h.guard(ctx, func(start time.Time) *models.Envelope {
		payload, err := decodePayload(raw)
		if err != nil {
			return err.Envelope()
		}
		return h.sync(ctx, payload, start)
	})
}

// guard converts a panic into a QUERY_ERROR envelope and counts error codes
func (h *Handler) guard(ctx context.Context, fn func(start time.Time) *models.Envelope) (env *models.Envelope) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log := logger.FromContext(ctx, h.logger)
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic while handling request")
			env = models.Fail(msgLookupQuery, models.CodeQuery, map[string]interface{}{"reason": fmt.Sprint(r)})
		}
		if !env.IsOK() {
			metrics.Get().IncErrorCode(env.Code)
		}
	}()
	return fn(start)
}

// ready reports credential and client problems, in that order
func (h *Handler) ready() *Error {
	if err := h.cfg.Airtable.Validate(); err != nil {
		return classifySetup(err)
	}
	if h.clientErr != nil {
		return classifySetup(h.clientErr)
	}
	if h.service == nil {
		return classifySetup(fmt.Errorf("airtable client not initialised"))
	}
	return nil
}

func (h *Handler) lookup(ctx context.Context, payload map[string]interface{}, start time.Time) *models.Envelope {
	metrics.Get().IncLookupRequests()

	rawField, value, perr := parseLookup(payload)
	if perr != nil {
		return perr.Envelope()
	}
	if err := h.ready(); err != nil {
		return err.Envelope()
	}
	field, ok := NormaliseField(rawField)
	if !ok {
		return inputError(msgUnsupportedField, nil).Envelope()
	}

	log := logger.FromContext(ctx, h.logger)
	result, err := h.service.Lookup(ctx, LookupRequest{Field: field, Value: value})
	if err != nil {
		log.Warn().Err(err).Str("field", field).Msg("Lookup query failed")
		return classifyLookupFetch(err).Envelope()
	}

	meta := models.LookupMeta{
		ExecutionMs:      time.Since(start).Milliseconds(),
		TotalMatches:     len(result.Matches),
		Expanded:         len(result.Matches) == 1,
		UsedPhoneVariant: result.UsedPhoneVariant,
		VariantUsed:      result.VariantUsed,
	}

	m := metrics.Get()
	m.IncLookupMatches(int64(meta.TotalMatches))
	if result.UsedPhoneVariant {
		m.IncLookupPhoneVariant()
	}

	log.Info().
		Str("field", field).
		Int("matches", meta.TotalMatches).
		Bool("phone_variant", meta.UsedPhoneVariant).
		Int64("execution_ms", meta.ExecutionMs).
		Msg("Lookup completed")

	return models.OK(result.Matches, meta)
}

func (h *Handler) sync(ctx context.Context, payload map[string]interface{}, start time.Time) *models.Envelope {
	metrics.Get().IncSyncRequests()

	req, perr := parseSync(payload)
	if perr != nil {
		return perr.Envelope()
	}
	if err := h.ready(); err != nil {
		return err.Envelope()
	}

	log := logger.FromContext(ctx, h.logger)
	result, err := h.service.Sync(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("mode", req.Mode).Str("view_id", req.ViewID).Msg("Sync fetch failed")
		return classifySyncFetch(req, err).Envelope()
	}

	meta := models.SyncMeta{
		ExecutionMs:              time.Since(start).Milliseconds(),
		Mode:                     req.Mode,
		TotalRecords:             len(result.Records),
		ViewID:                   req.ViewID,
		AfterTimestamp:           req.AfterTimestamp,
		NewestCompletedTimestamp: result.NewestTimestamp,
	}
	metrics.Get().IncSyncRecords(int64(meta.TotalRecords))

	log.Info().
		Str("mode", meta.Mode).
		Str("view_id", meta.ViewID).
		Int("records", meta.TotalRecords).
		Int64("execution_ms", meta.ExecutionMs).
		Msg("Sync completed")

	return models.OK(result.Records, meta)
}
