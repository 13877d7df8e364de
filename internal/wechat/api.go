// Package wechat talks to the WeChat iPad-protocol service: its HTTP JSON
// API for login, sending and media download, and its WebSocket push
// channel for inbound messages.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// Service endpoints, relative to the base URL.
const (
	pathWakeUpLogin      = "/login/WakeUpLogin"
	pathLoginQRCode      = "/login/GetLoginQrCodeNew"
	pathCheckLoginStatus = "/login/CheckLoginStatus"
	pathLoginStatus      = "/login/GetLoginStatus"

	pathSendText  = "/message/SendTextMessage"
	pathSendImage = "/message/SendImageNewMessage"
	pathSendFile  = "/message/SendFileMessage"
	pathSendApp   = "/message/SendAppMessage"
	pathSendVideo = "/message/SendVideoMessage"
	pathSendVoice = "/message/SendVoice"

	pathImageChunk  = "/message/GetMsgBigImg"
	pathAttach      = "/message/GetAppMsgAttach"
	pathAttachChunk = "/message/GetAppMsgAttachChunk"

	pathContactDetails = "/friend/GetContactDetailsList"

	pathSyncWS = "/ws/GetSyncMsg"
)

// codeSuccess is the envelope code for a successful call.
const codeSuccess = 200

var (
	// ErrNotLoggedIn is returned when the account has no live session.
	ErrNotLoggedIn = errors.New("wechat: not logged in")
	// ErrLoginTimeout means QR login was not confirmed in time; retry manually.
	ErrLoginTimeout = errors.New("wechat: login timed out, retry manually")
)

// envelope wraps every service response.
type envelope struct {
	Code int             `json:"Code"`
	Data json.RawMessage `json:"Data"`
	Text string          `json:"Text"`
}

// APIError is a non-success response from the service.
type APIError struct {
	Path       string
	StatusCode int // HTTP status
	Code       int // envelope code
	Text       string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("wechat: %s: HTTP %d: %s", e.Path, e.StatusCode, e.Text)
	}
	return fmt.Sprintf("wechat: %s: code %d: %s", e.Path, e.Code, e.Text)
}

// Client wraps the service's HTTP API.
type Client struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewClient creates an API client; key is appended to every call as ?key=.
func NewClient(baseURL, key string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	L_debug("wechat: client created", "url", baseURL, "timeout", timeout)
	return &Client{
		baseURL: baseURL,
		key:     key,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?key=" + url.QueryEscape(c.key)
}

// post sends body as JSON and decodes the envelope's Data into out (if non-nil).
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wechat: marshal %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reqBody)
	if err != nil {
		return fmt.Errorf("wechat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("wechat: create request: %w", err)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	L_trace("wechat: request", "method", req.Method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wechat: %s: request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("wechat: %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Path: path, StatusCode: resp.StatusCode, Text: strings.TrimSpace(string(body))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("wechat: %s: decode envelope: %w", path, err)
	}
	if env.Code != codeSuccess {
		return &APIError{Path: path, StatusCode: resp.StatusCode, Code: env.Code, Text: env.Text}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("wechat: %s: decode data: %w", path, err)
		}
	}

	L_trace("wechat: response", "path", path, "bytes", len(body))
	return nil
}

// wsURL converts the base URL into the push WebSocket URL.
func (c *Client) wsURL() string {
	u := c.baseURL
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + pathSyncWS + "?key=" + url.QueryEscape(c.key)
}

// strField is the service's wrapper for string values: {"str": "..."}.
type strField struct {
	Str string `json:"str"`
}

// Contact is the subset of contact details the bridge uses.
type Contact struct {
	UserName string
	NickName string
	Remark   string
}

// GetContact fetches display details for one user.
func (c *Client) GetContact(ctx context.Context, userName string) (Contact, error) {
	var data struct {
		ContactList []struct {
			UserName strField `json:"userName"`
			NickName strField `json:"nickName"`
			Remark   strField `json:"remark"`
		} `json:"contactList"`
	}
	body := map[string]any{"UserNames": []string{userName}, "RoomWxIDList": []string{}}
	if err := c.post(ctx, pathContactDetails, body, &data); err != nil {
		return Contact{}, err
	}
	for _, ct := range data.ContactList {
		if ct.UserName.Str == userName {
			return Contact{UserName: userName, NickName: ct.NickName.Str, Remark: ct.Remark.Str}, nil
		}
	}
	return Contact{}, fmt.Errorf("wechat: contact %s not found", userName)
}
