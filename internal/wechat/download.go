package wechat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// DefaultChunkSize is the per-request download window.
const DefaultChunkSize = 64 * 1024

var (
	// ErrUnknownLength means the message declares no size to download.
	ErrUnknownLength = errors.New("wechat: media length unknown")
	// ErrNoProviderID means the message has no id usable for download.
	ErrNoProviderID = errors.New("wechat: message has no provider id")
	// ErrEmptyDownload means the service returned no data at all.
	ErrEmptyDownload = errors.New("wechat: download returned no data")
)

type section struct {
	StartPos int64 `json:"StartPos"`
	DataLen  int64 `json:"DataLen"`
}

type bufferData struct {
	Data struct {
		Buffer string `json:"buffer"`
	} `json:"data"`
	TotalLen int64 `json:"totalLen,omitempty"`
}

func (b bufferData) decode() ([]byte, error) {
	if b.Data.Buffer == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b.Data.Buffer)
	if err != nil {
		return nil, fmt.Errorf("wechat: decode chunk: %w", err)
	}
	return raw, nil
}

// chunkFetcher returns the bytes at [offset, offset+length); fewer is fine.
type chunkFetcher func(ctx context.Context, offset, length int64) ([]byte, error)

// downloadChunked pulls total bytes in chunkSize windows. It stops when total
// is reached or a chunk comes back empty. Each productive round advances by at
// least one byte, so the loop runs at most total+1 times.
func downloadChunked(ctx context.Context, total, chunkSize int64, fetch chunkFetcher) ([]byte, error) {
	if total <= 0 {
		return nil, ErrUnknownLength
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var buf bytes.Buffer
	buf.Grow(int(min(total, 64<<20)))
	maxRounds := total + 1
	for round := int64(0); round < maxRounds && int64(buf.Len()) < total; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		offset := int64(buf.Len())
		want := min(chunkSize, total-offset)
		chunk, err := fetch(ctx, offset, want)
		if err != nil {
			return nil, fmt.Errorf("wechat: chunk at %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			break
		}
		if int64(len(chunk)) > total-offset {
			chunk = chunk[:total-offset]
		}
		buf.Write(chunk)
	}

	if buf.Len() == 0 {
		return nil, ErrEmptyDownload
	}
	if int64(buf.Len()) < total {
		L_warn("wechat: download ended short", "got", buf.Len(), "want", total)
	}
	return buf.Bytes(), nil
}

// DownloadImage fetches the full image behind an image message.
func (s *Session) DownloadImage(ctx context.Context, msg Message, info ImageInfo) ([]byte, error) {
	id := msg.ProviderID()
	if id == 0 {
		return nil, ErrNoProviderID
	}
	total := info.TotalLen()
	L_debug("wechat: downloading image", "msgId", id, "total", total)

	data, err := downloadChunked(ctx, total, s.chunkSize, func(ctx context.Context, offset, length int64) ([]byte, error) {
		body := map[string]any{
			"MsgId":        id,
			"FromUserName": msg.SenderID,
			"ToUserName":   msg.RecipientID,
			"TotalLen":     total,
			"Section":      section{StartPos: offset, DataLen: length},
			"CompressType": 0,
		}
		var out bufferData
		if err := s.client.post(ctx, pathImageChunk, body, &out); err != nil {
			return nil, err
		}
		return out.decode()
	})
	if err != nil {
		return nil, err
	}
	L_info("wechat: image downloaded", "msgId", id, "bytes", len(data))
	return data, nil
}

// DownloadFile fetches a file attachment: whole payload first, then chunked.
func (s *Session) DownloadFile(ctx context.Context, msg Message, app AppMsg) ([]byte, error) {
	if app.AttachID == "" {
		return nil, fmt.Errorf("wechat: %q has no attach id", app.Title)
	}
	L_debug("wechat: downloading file", "name", app.Title, "total", app.TotalLen)

	whole := map[string]any{
		"AttachId": app.AttachID,
		"AppId":    "",
		"UserName": msg.SenderID,
		"TotalLen": app.TotalLen,
	}
	var out bufferData
	err := s.client.post(ctx, pathAttach, whole, &out)
	if err == nil {
		data, derr := out.decode()
		switch {
		case derr != nil:
			err = derr
		case len(data) == 0:
			err = ErrEmptyDownload
		case app.TotalLen > 0 && int64(len(data)) < app.TotalLen:
			err = fmt.Errorf("wechat: whole download short: %d of %d bytes", len(data), app.TotalLen)
		default:
			L_info("wechat: file downloaded", "name", app.Title, "bytes", len(data))
			return data, nil
		}
	}
	L_debug("wechat: whole download failed, falling back to chunks", "name", app.Title, "error", err)

	data, err := downloadChunked(ctx, app.TotalLen, s.chunkSize, func(ctx context.Context, offset, length int64) ([]byte, error) {
		body := map[string]any{
			"AttachId": app.AttachID,
			"AppId":    "",
			"UserName": msg.SenderID,
			"TotalLen": app.TotalLen,
			"StartPos": offset,
			"DataLen":  length,
		}
		var out bufferData
		if err := s.client.post(ctx, pathAttachChunk, body, &out); err != nil {
			return nil, err
		}
		return out.decode()
	})
	if err != nil {
		return nil, err
	}
	L_info("wechat: file downloaded in chunks", "name", app.Title, "bytes", len(data))
	return data, nil
}
