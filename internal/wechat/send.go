package wechat

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// SendText sends a text message.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	body := map[string]any{
		"MsgItem": []map[string]any{{
			"ToUserName":  to,
			"TextContent": text,
			"MsgType":     msgTypeText,
			"AtWxIDList":  []string{},
		}},
	}
	if err := s.client.post(ctx, pathSendText, body, nil); err != nil {
		return fmt.Errorf("wechat: send text: %w", err)
	}
	L_debug("wechat: text sent", "to", to, "chars", len(text))
	return nil
}

// SendImage sends a local image file.
func (s *Session) SendImage(ctx context.Context, to, path string) error {
	data, err := readEncoded(path)
	if err != nil {
		return err
	}
	body := map[string]any{
		"MsgItem": []map[string]any{{
			"ToUserName":   to,
			"ImageContent": data,
			"MsgType":      msgTypeImage,
		}},
	}
	if err := s.client.post(ctx, pathSendImage, body, nil); err != nil {
		return fmt.Errorf("wechat: send image: %w", err)
	}
	L_info("wechat: image sent", "to", to, "path", path)
	return nil
}

// SendFile sends a local file. The dedicated file endpoint is tried first;
// the app-message endpoint is the fallback. It fails only if both do.
func (s *Session) SendFile(ctx context.Context, to, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("wechat: send file: %w", err)
	}
	data, err := readEncoded(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)

	primary := s.client.post(ctx, pathSendFile, map[string]any{
		"ToUserName": to,
		"FileName":   name,
		"FileData":   data,
		"FileSize":   info.Size(),
	}, nil)
	if primary == nil {
		L_info("wechat: file sent", "to", to, "name", name)
		return nil
	}
	L_warn("wechat: file endpoint failed, trying app message", "name", name, "error", primary)

	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	xmlBody, err := buildFileAppMsg(name, info.Size(), ext)
	if err != nil {
		return err
	}
	fallback := s.client.post(ctx, pathSendApp, map[string]any{
		"AppList": []map[string]any{{
			"ToUserName":  to,
			"ContentType": AppTypeFile,
			"ContentXML":  xmlBody,
			"FileData":    data,
		}},
	}, nil)
	if fallback != nil {
		return fmt.Errorf("wechat: send file %s: %v; fallback: %w", name, primary, fallback)
	}
	L_info("wechat: file sent via app message", "to", to, "name", name)
	return nil
}

// SendVideo sends a local video file.
func (s *Session) SendVideo(ctx context.Context, to, path string) error {
	data, err := readEncoded(path)
	if err != nil {
		return err
	}
	body := map[string]any{
		"ToUserName": to,
		"VideoData":  data,
		"ThumbData":  "",
		"PlayLength": 0,
	}
	if err := s.client.post(ctx, pathSendVideo, body, nil); err != nil {
		return fmt.Errorf("wechat: send video: %w", err)
	}
	L_info("wechat: video sent", "to", to, "path", path)
	return nil
}

// SendVoice sends a local voice clip (silk/amr) of the given length.
// seconds <= 0 estimates the length from the clip size.
func (s *Session) SendVoice(ctx context.Context, to, path string, seconds int) error {
	data, err := readEncoded(path)
	if err != nil {
		return err
	}
	if seconds <= 0 {
		seconds = estimateVoiceSeconds(base64.StdEncoding.DecodedLen(len(data)))
	}
	body := map[string]any{
		"ToUserName":  to,
		"VoiceData":   data,
		"VoiceFormat": voiceFormat(path),
		"VoiceSecond": seconds,
	}
	if err := s.client.post(ctx, pathSendVoice, body, nil); err != nil {
		return fmt.Errorf("wechat: send voice: %w", err)
	}
	L_info("wechat: voice sent", "to", to, "path", path)
	return nil
}

// Provider voice clips run at roughly 2 KB per second.
func estimateVoiceSeconds(size int) int {
	if n := size / 2000; n > 1 {
		return n
	}
	return 1
}

func voiceFormat(path string) int {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".amr":
		return 0
	case ".mp3":
		return 2
	default:
		return 4 // silk
	}
}

func readEncoded(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("wechat: read %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
