package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/semantrix/aigateway/internal/models"
	apiv1 "github.com/semantrix/aigateway/pkg/api/v1"
)

// DoneSentinel terminates a successful event stream.
const DoneSentinel = "[DONE]"

// WriteSSE drains s into w as server-sent events and closes it.
//
// Each chunk becomes a "data:" event carrying the JSON chunk, and a
// successful stream ends with "data: [DONE]". A mid-stream upstream failure
// ends the stream with a single "event: error" unit instead; the error is
// still returned so the caller can log it. Write failures and consumer
// cancellation stop the stream without a terminal unit.
func WriteSSE(w io.Writer, s *Stream) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for chunk, err := range s.Chunks() {
		if err != nil {
			var terminated *models.StreamTerminatedError
			if !errors.As(err, &terminated) {
				return err
			}
			if werr := writeEvent(w, "error", apiv1.NewErrorResponse(err, s.RequestID())); werr != nil {
				return werr
			}
			flush()
			return err
		}

		if err := writeEvent(w, "", chunk); err != nil {
			return err
		}
		flush()
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	flush()
	return nil
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
