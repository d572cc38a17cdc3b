package dispatcher

import (
	"encoding/json"

	"egogateway/internal/bus"
	"egogateway/internal/models"
)

// parseWorkerMessage converts a raw bus message from a dialogue worker
// into a Chunk, detecting the terminal and error conditions named in
// spec §4.D. The Dispatcher never reinterprets or rewrites the
// payload it forwards downstream; it only inspects it to decide when
// the ticket is done.
func parseWorkerMessage(ticketID string, msg bus.Message, sequence int) models.Chunk {
	if msg.Headers["Error"] == "true" || looksLikeErrorFrame(msg.Data) {
		return models.Chunk{
			TicketID:       ticketID,
			SequenceNumber: sequence,
			Payload:        msg.Data,
			Terminal:       true,
			IsError:        true,
		}
	}

	var wire models.WireChunk
	terminal := false
	if err := json.Unmarshal(msg.Data, &wire); err == nil {
		if wire.Done {
			terminal = true
		}
		for _, choice := range wire.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				terminal = true
			}
		}
	}

	return models.Chunk{
		TicketID:       ticketID,
		SequenceNumber: sequence,
		Payload:        msg.Data,
		Terminal:       terminal,
		IsError:        false,
	}
}

func looksLikeErrorFrame(payload []byte) bool {
	var frame models.ErrorFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return false
	}
	return frame.Error != ""
}

// extractDelta pulls the assistant text delta out of a chunk payload
// for accumulation into the eventual RawMemoryRecord.
func extractDelta(payload []byte) string {
	var wire models.WireChunk
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ""
	}
	if len(wire.Choices) == 0 {
		return ""
	}
	return wire.Choices[0].Delta.Content
}
