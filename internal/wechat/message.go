package wechat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ContentType classifies an inbound message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVoice ContentType = "voice"
	ContentEmoji ContentType = "emoji"
	ContentFile  ContentType = "file"
	ContentApp   ContentType = "app"
	ContentOther ContentType = "other"
)

// Provider message types
const (
	msgTypeText  = 1
	msgTypeImage = 3
	msgTypeVoice = 34
	msgTypeEmoji = 47
	msgTypeApp   = 49
)

// Message is one decoded inbound message. It is not modified after decoding.
type Message struct {
	SenderID    string
	RecipientID string
	Content     string
	Type        ContentType
	MsgID       int64
	NewMsgID    int64
	PushContent string
	Timestamp   time.Time
}

// ProviderID is the id used for media downloads; zero when absent.
func (m Message) ProviderID() int64 {
	if m.MsgID != 0 {
		return m.MsgID
	}
	return m.NewMsgID
}

// pushMessage is one message as the push channel delivers it.
type pushMessage struct {
	MsgID        int64    `json:"msg_id"`
	NewMsgID     int64    `json:"new_msg_id"`
	FromUserName strField `json:"from_user_name"`
	ToUserName   strField `json:"to_user_name"`
	MsgType      int      `json:"msg_type"`
	Content      strField `json:"content"`
	CreateTime   int64    `json:"create_time"`
	PushContent  string   `json:"push_content"`
}

type pushBatch struct {
	AddMsgs []pushMessage `json:"AddMsgs"`
}

// parsePush decodes one WebSocket frame: a batch {AddMsgs:[...]}, a bare
// array, or a single message object.
func parsePush(data []byte) ([]pushMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var list []pushMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("wechat: decode push array: %w", err)
		}
		return list, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wechat: decode push frame: %w", err)
	}
	if _, ok := probe["AddMsgs"]; ok {
		var batch pushBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("wechat: decode push batch: %w", err)
		}
		return batch.AddMsgs, nil
	}
	if _, ok := probe["msg_type"]; !ok {
		// heartbeat or status frame
		return nil, nil
	}
	var one pushMessage
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("wechat: decode push message: %w", err)
	}
	return []pushMessage{one}, nil
}

func classify(msgType int, content string) ContentType {
	switch msgType {
	case msgTypeText:
		return ContentText
	case msgTypeImage:
		return ContentImage
	case msgTypeVoice:
		return ContentVoice
	case msgTypeEmoji:
		return ContentEmoji
	case msgTypeApp:
		if app, err := ParseAppMsg(content); err == nil && app.IsFile() {
			return ContentFile
		}
		return ContentApp
	default:
		return ContentOther
	}
}

// isGroup reports whether the id is a chatroom.
func isGroup(id string) bool {
	return strings.HasSuffix(id, "@chatroom")
}

// decodeMessage converts a push message. ok is false for messages the
// bridge ignores: own messages, group chats and empty senders.
func decodeMessage(pm pushMessage, self string) (Message, bool) {
	from := pm.FromUserName.Str
	if from == "" || isGroup(from) || isGroup(pm.ToUserName.Str) {
		return Message{}, false
	}
	if self != "" && from == self {
		return Message{}, false
	}

	ts := time.Now()
	if pm.CreateTime > 0 {
		ts = time.Unix(pm.CreateTime, 0)
	}
	return Message{
		SenderID:    from,
		RecipientID: pm.ToUserName.Str,
		Content:     pm.Content.Str,
		Type:        classify(pm.MsgType, pm.Content.Str),
		MsgID:       pm.MsgID,
		NewMsgID:    pm.NewMsgID,
		PushContent: pm.PushContent,
		Timestamp:   ts,
	}, true
}

// dedupe remembers the most recent message ids in a fixed ring.
type dedupe struct {
	mu   sync.Mutex
	seen map[int64]struct{}
	ring []int64
	next int
}

func newDedupe(size int) *dedupe {
	if size <= 0 {
		size = 512
	}
	return &dedupe{seen: make(map[int64]struct{}, size), ring: make([]int64, size)}
}

// firstSeen records id and reports whether it was new. Zero ids always pass.
func (d *dedupe) firstSeen(id int64) bool {
	if id == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return false
	}
	if old := d.ring[d.next]; old != 0 {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return true
}
