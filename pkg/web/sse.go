package web

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/forgeline/phasor/pkg/eventbus"
)

// keepAliveInterval paces SSE comment lines so idle connections are not
// reaped by intermediaries.
const keepAliveInterval = 25 * time.Second

// StreamJobEvents serves the job's event stream over SSE. A reconnecting
// client resumes from its Last-Event-ID header (or a "from" query parameter)
// without gaps or duplicates; the event id is the journal sequence number.
func (h *APIHandlers) StreamJobEvents(c fiber.Ctx) error {
	jobID := c.Params("id")

	if _, err := h.manager.Get(c.Context(), jobID); err != nil {
		return handleDomainError(c, err)
	}

	offset, err := resumeOffset(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	// The subscription outlives the handler, it is released when the client
	// disconnects.
	ch, release, err := h.stream.SubscribeFrom(context.Background(), jobID, offset)
	if err != nil {
		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer release()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}

				if err := writeSSEEvent(w, event); err != nil {
					return
				}
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}

				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

func writeSSEEvent(w *bufio.Writer, event eventbus.StreamEvent) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		event.Seq, event.Type, event.Payload); err != nil {
		return err
	}

	return w.Flush()
}

func resumeOffset(c fiber.Ctx) (uint64, error) {
	raw := c.Get("Last-Event-ID")
	if raw == "" {
		raw = c.Query("from")
	}

	if raw == "" {
		return 0, nil
	}

	offset, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume offset %q", raw)
	}

	return offset, nil
}
