package bridge

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/media"
)

// deliver sends an agent reply. Local files named in the reply are sent as
// attachments and removed from the text. When the reply names both files
// and images only the files are sent.
func (b *Bridge) deliver(ctx context.Context, to, text string) error {
	if files := b.extractor.ExtractFilePaths(text); len(files) > 0 {
		if err := b.sendText(ctx, to, b.extractor.StripPaths(text, files)); err != nil {
			return err
		}
		for _, f := range files {
			if err := b.sendFile(ctx, to, f); err != nil {
				return err
			}
		}
		return nil
	}

	if images := b.extractor.ExtractImagePaths(text); len(images) > 0 {
		if err := b.sendText(ctx, to, b.extractor.StripPaths(text, images)); err != nil {
			return err
		}
		for _, img := range images {
			if err := b.wx.SendImage(ctx, to, img); err != nil {
				return fmt.Errorf("send image %s: %w", img, err)
			}
			b.metrics.RepliesSent.WithLabelValues(string(media.KindImage)).Inc()
			L_debug("bridge: image sent", "to", to, "path", img)
		}
		return nil
	}

	return b.sendText(ctx, to, text)
}

func (b *Bridge) sendFile(ctx context.Context, to, path string) error {
	kind := media.KindOf(path)
	var err error
	switch kind {
	case media.KindVideo:
		err = b.wx.SendVideo(ctx, to, path)
	case media.KindVoice:
		err = b.wx.SendVoice(ctx, to, path, 0)
	default:
		err = b.wx.SendFile(ctx, to, path)
	}
	if err != nil {
		return fmt.Errorf("send %s %s: %w", kind, path, err)
	}
	b.metrics.RepliesSent.WithLabelValues(string(kind)).Inc()
	L_debug("bridge: file sent", "to", to, "kind", kind, "path", path)
	return nil
}

func (b *Bridge) sendText(ctx context.Context, to, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, chunk := range splitText(text, b.cfg.MaxTextRunes) {
		if err := b.wx.SendText(ctx, to, chunk); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		b.metrics.RepliesSent.WithLabelValues("text").Inc()
	}
	return nil
}

// splitText cuts text into chunks of at most maxRunes runes, preferring a
// newline in the second half of each chunk.
func splitText(text string, maxRunes int) []string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		runes := []rune(text)
		if len(runes) <= maxRunes {
			chunks = append(chunks, text)
			break
		}
		end := maxRunes
		if idx := lastNewline(runes[:end]); idx > end/2 {
			end = idx + 1
		}
		chunks = append(chunks, string(runes[:end]))
		text = string(runes[end:])
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
