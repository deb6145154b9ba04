package evi

import (
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain"
	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

// Router decodes inbound frames and dispatches them to typed handlers.
// It is not safe for concurrent use; the session feeds it from a single
// reader goroutine so frames are handled in arrival order.
type Router struct {
	handler repositories.VoiceEvents
	logger  *zap.Logger

	// OnMalformed, when set, receives every frame that could not be decoded.
	// It is a diagnostic channel only and never reaches the error handler.
	OnMalformed func(raw []byte, err error)
}

// NewRouter creates a router delivering to handler
func NewRouter(handler repositories.VoiceEvents, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handler: handler,
		logger:  logger,
	}
}

// Dispatch handles one raw text frame. Only frames that are not JSON objects
// are discarded; missing or mistyped fields read as empty values.
func (r *Router) Dispatch(raw []byte) {
	frame, err := domain.ParseInboundFrame(raw)
	if err != nil {
		r.malformed(raw, &ProtocolError{Err: err})
		return
	}

	switch frame.Type() {
	case domain.InboundChatMetadata:
		r.handler.OnConnected(frame.ChatID())

	case domain.InboundUserMessage:
		r.handler.OnUserMessage(frame.Content(), entities.NewEmotionScores(frame.ProsodyScores()))

	case domain.InboundAssistantMessage:
		r.handler.OnAssistantMessage(frame.Content())

	case domain.InboundAudioOutput:
		if data, ok := frame.AudioData(); ok {
			r.handler.OnAudioOutput(data)
		}

	case domain.InboundUserInterruption:
		r.handler.OnUserInterruption()

	case domain.InboundAssistantEnd:
		r.handler.OnAssistantEnd()

	case domain.InboundError:
		msg := frame.ErrorMessage()
		r.logger.Warn("Voice service reported error",
			zap.String("code", msg.Code),
			zap.String("slug", msg.Slug))
		r.handler.OnError(msg.Description())

	default:
		// Undocumented frame types are expected as the service evolves.
		r.logger.Debug("Ignoring frame", zap.String("type", frame.Type()))
	}
}

func (r *Router) malformed(raw []byte, err error) {
	r.logger.Debug("Discarding malformed frame",
		zap.Int("size", len(raw)),
		zap.Error(err))
	if r.OnMalformed != nil {
		r.OnMalformed(raw, err)
	}
}
