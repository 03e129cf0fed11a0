package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/codexbridge/codexbridge/internal/styling"
	"go.uber.org/zap"
)

// maxChunkChars is the per-message character limit of the provider
const maxChunkChars = 1200

// boundaryFloor is the fraction of the limit below which a newline or space
// boundary is too early to be worth splitting at
const boundaryFloor = 0.4

// ComposeInbound builds the agent input from inbound text and an optional
// media URL. Returns empty when there is nothing to route.
func ComposeInbound(text, mediaURL string) string {
	text = strings.TrimSpace(text)
	if mediaURL == "" {
		return text
	}

	attachment := fmt.Sprintf("User attached media URL: %s\nFetch and inspect this attachment URL as needed.", mediaURL)
	if text == "" {
		return attachment
	}
	return fmt.Sprintf("User message: %s\n%s", text, attachment)
}

// SplitMessage splits text into chunks of at most max characters, preferring a
// newline boundary, then a space, when the boundary falls past 40% of the
// limit. CRLF is normalized first. The boundary character stays at the end of
// its chunk, so the chunks concatenate back to the normalized text.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = maxChunkChars
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	floor := int(float64(max) * boundaryFloor)
	var chunks []string
	for len(runes) > max {
		cut := max
		window := runes[:max]
		if idx := lastIndexRune(window, '\n'); idx >= floor {
			cut = idx + 1
		} else if idx := lastIndexRune(window, ' '); idx >= floor {
			cut = idx + 1
		}

		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// senderLoop drains the outbound queue: one logical message at a time, styled,
// chunked, and sent sequentially. Send failures are logged and the queue moves
// on.
func (b *Bridge) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-b.outbound:
			if !ok {
				return
			}
			b.sendMessage(ctx, text)
		}
	}
}

func (b *Bridge) sendMessage(ctx context.Context, text string) {
	if b.cfg.Features.OutboundStyling {
		text = styling.Apply(text)
	}
	for _, chunk := range SplitMessage(text, maxChunkChars) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := b.provider.SendMessage(ctx, b.phone, chunk); err != nil {
			b.logger.Error("failed to send outbound chunk", zap.Error(err))
			continue
		}
		b.auditOutbound(ctx, chunk)
	}
}

// Enqueue queues one logical outbound message for the trusted user
func (b *Bridge) Enqueue(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case b.outbound <- text:
	default:
		b.logger.Warn("outbound queue full, dropping message")
	}
}
