package wechat

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// LoginState is the account's login sub-state.
type LoginState string

const (
	LoginUnknown   LoginState = "unknown"
	LoginLoggedOut LoginState = "loggedOut"
	LoginLoggedIn  LoginState = "loggedIn"
)

// Values reported by the service
const (
	onlineState = 1 // GetLoginStatus: account online

	qrWaiting   = 0 // CheckLoginStatus: waiting for scan
	qrScanned   = 1 // scanned, awaiting confirmation on the phone
	qrConfirmed = 2
	qrExpired   = 4
)

// wakeUpPolls is how often the status is polled after a wake-up push.
const wakeUpPolls = 5

type loginStatus struct {
	LoginState  int    `json:"loginState"`
	LoginErrMsg string `json:"loginErrMsg"`
	NickName    string `json:"nickName"`
	WxID        string `json:"wxid"`
}

type qrCode struct {
	QRCodeURL string `json:"qrCodeUrl"`
	QRLink    string `json:"qrLink"`
}

func (q qrCode) content() string {
	if q.QRLink != "" {
		return q.QRLink
	}
	return q.QRCodeURL
}

type qrCheck struct {
	State    int    `json:"state"`
	NickName string `json:"nickName"`
	WxID     string `json:"wxid"`
}

// CheckOnline asks the service whether the account is logged in and
// records the result.
func (s *Session) CheckOnline(ctx context.Context) (bool, error) {
	var st loginStatus
	if err := s.client.get(ctx, pathLoginStatus, &st); err != nil {
		return false, err
	}
	online := st.LoginState == onlineState
	s.mu.Lock()
	if online {
		s.loginState = LoginLoggedIn
		if st.WxID != "" {
			s.wxid = st.WxID
		}
		if st.NickName != "" {
			s.nickname = st.NickName
		}
	} else {
		s.loginState = LoginLoggedOut
	}
	s.mu.Unlock()
	return online, nil
}

// EnsureLogin brings the account online: already online, then wake-up
// login, then QR login. QR login gives up after the login timeout with
// ErrLoginTimeout.
func (s *Session) EnsureLogin(ctx context.Context) error {
	online, err := s.CheckOnline(ctx)
	if err != nil {
		L_warn("wechat: login status check failed", "error", err)
	}
	if online {
		L_info("wechat: already logged in", "wxid", s.SelfID())
		s.emit(EventLoggedIn{WxID: s.SelfID()})
		return nil
	}

	if err := s.client.post(ctx, pathWakeUpLogin, map[string]any{"Check": false, "Proxy": ""}, nil); err != nil {
		L_info("wechat: wake-up login unavailable", "error", err)
	} else {
		L_info("wechat: wake-up login sent, confirm on your phone")
		for i := 0; i < wakeUpPolls; i++ {
			if err := sleepCtx(ctx, s.pollInterval); err != nil {
				return err
			}
			if ok, _ := s.CheckOnline(ctx); ok {
				L_info("wechat: logged in via wake-up", "wxid", s.SelfID())
				s.emit(EventLoggedIn{WxID: s.SelfID()})
				return nil
			}
		}
	}

	return s.qrLogin(ctx)
}

func (s *Session) qrLogin(ctx context.Context) error {
	deadline := time.Now().Add(s.loginTimeout)

	if err := s.showQR(ctx); err != nil {
		return err
	}

	lastState := -1
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, s.pollInterval); err != nil {
			return err
		}
		var chk qrCheck
		if err := s.client.get(ctx, pathCheckLoginStatus, &chk); err != nil {
			L_debug("wechat: login poll failed", "error", err)
			continue
		}
		changed := chk.State != lastState
		if changed {
			L_debug("wechat: login poll", "state", chk.State)
			lastState = chk.State
		}
		switch chk.State {
		case qrConfirmed:
			s.mu.Lock()
			s.loginState = LoginLoggedIn
			s.wxid = chk.WxID
			s.nickname = chk.NickName
			s.mu.Unlock()
			L_info("wechat: logged in", "wxid", chk.WxID, "nickname", chk.NickName)
			s.emit(EventLoggedIn{WxID: chk.WxID})
			return nil
		case qrScanned:
			if changed {
				L_info("wechat: QR scanned, confirm on your phone")
			}
		case qrExpired:
			L_info("wechat: QR code expired, requesting a new one")
			if err := s.showQR(ctx); err != nil {
				return err
			}
		case qrWaiting:
		}
	}

	s.mu.Lock()
	s.loginState = LoginLoggedOut
	s.mu.Unlock()
	L_error("wechat: QR login timed out", "timeout", s.loginTimeout)
	return ErrLoginTimeout
}

func (s *Session) showQR(ctx context.Context) error {
	var qr qrCode
	if err := s.client.post(ctx, pathLoginQRCode, map[string]any{"Check": false, "Proxy": ""}, &qr); err != nil {
		return fmt.Errorf("wechat: request login QR code: %w", err)
	}
	content := qr.content()
	if content == "" {
		return fmt.Errorf("wechat: service returned an empty QR code")
	}
	renderQR(s.qrOut, content)
	return nil
}

// renderQR draws the code when out is a terminal, otherwise logs the link.
func renderQR(out io.Writer, content string) {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out, "Scan the QR code below with WeChat:")
		fmt.Fprintln(out)
		qrterminal.GenerateHalfBlock(content, qrterminal.L, out)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Waiting for scan...")
		return
	}
	L_info("wechat: scan to log in", "qr", content)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
