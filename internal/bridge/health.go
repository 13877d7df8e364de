package bridge

import (
	"context"

	"github.com/laolin5564/openclaw-wechat/internal/gateway"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/metrics"
	"github.com/laolin5564/openclaw-wechat/internal/wechat"
)

// Report is the snapshot served by the status endpoint.
type Report struct {
	Status  string        `json:"status"` // "ok" or "degraded"
	Gateway GatewayReport `json:"gateway"`
	WeChat  WeChatReport  `json:"wechat"`
	Version string        `json:"version"`
}

// GatewayReport is the gateway part of a Report.
type GatewayReport struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
	GaveUp        bool   `json:"gaveUp,omitempty"`
}

// WeChatReport is the messaging-service part of a Report.
type WeChatReport struct {
	LoginState  string `json:"loginState"`
	WSConnected bool   `json:"wsConnected"`
	WxID        string `json:"wxid,omitempty"`
	GaveUp      bool   `json:"gaveUp,omitempty"`
}

// Status builds a Report from both sessions.
func (b *Bridge) Status() Report {
	gs := b.gw.Status()
	ws := b.wx.Status()
	r := Report{
		Status: "ok",
		Gateway: GatewayReport{
			Connected:     gs.Connected,
			Authenticated: gs.Authenticated,
			State:         string(gs.State),
			GaveUp:        gs.GaveUp,
		},
		WeChat: WeChatReport{
			LoginState:  string(ws.LoginState),
			WSConnected: ws.WSConnected,
			WxID:        ws.WxID,
			GaveUp:      ws.GaveUp,
		},
		Version: b.cfg.Version,
	}
	if !gs.Authenticated || ws.LoginState != wechat.LoginLoggedIn || !ws.WSConnected {
		r.Status = "degraded"
	}
	return r
}

// CheckHealth logs each unhealthy link and returns the problems found.
// It does not try to repair anything.
func (b *Bridge) CheckHealth() []string {
	var problems []string
	gs := b.gw.Status()
	if !gs.Connected || !gs.Authenticated {
		problems = append(problems, "gateway "+string(gs.State))
		L_warn("bridge: health check: gateway not ready", "state", gs.State,
			"attempts", gs.ReconnectAttempts, "gaveUp", gs.GaveUp, "lastError", gs.LastError)
	}
	ws := b.wx.Status()
	if ws.LoginState != wechat.LoginLoggedIn {
		problems = append(problems, "wechat "+string(ws.LoginState))
		L_warn("bridge: health check: wechat not logged in", "loginState", ws.LoginState)
	}
	if !ws.WSConnected {
		problems = append(problems, "wechat push disconnected")
		L_warn("bridge: health check: wechat push disconnected",
			"attempts", ws.ReconnectAttempts, "gaveUp", ws.GaveUp, "lastError", ws.LastError)
	}
	if len(problems) == 0 {
		L_trace("bridge: health check ok")
	}
	return problems
}

func (b *Bridge) eventLoop(ctx context.Context) {
	defer b.wg.Done()
	gwEvents := b.gw.Events()
	wxEvents := b.wx.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-gwEvents:
			if !ok {
				gwEvents = nil
				continue
			}
			b.onGatewayEvent(ev)
		case ev, ok := <-wxEvents:
			if !ok {
				wxEvents = nil
				continue
			}
			b.onWeChatEvent(ev)
		}
	}
}

func (b *Bridge) onGatewayEvent(ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.EventStateChanged:
		L_debug("bridge: gateway state changed", "from", e.From, "to", e.To)
		b.metrics.SetLinkUp(metrics.LinkGateway, e.To == gateway.StateAuthenticated)
		wasUp := e.From == gateway.StateConnected || e.From == gateway.StateAuthenticated
		if e.To != gateway.StateDisconnected || !wasUp {
			return
		}
		if e.Requested || IsShuttingDown() {
			L_debug("bridge: gateway disconnected on request")
			return
		}
		b.metrics.Reconnects.WithLabelValues(metrics.LinkGateway).Inc()
		L_warn("bridge: gateway connection lost")
	case gateway.EventAuthFailed:
		L_error("bridge: gateway rejected credentials; check the gateway token", "error", e.Err)
	case gateway.EventGaveUp:
		L_error("bridge: gateway reconnection abandoned", "attempts", e.Attempts)
	}
}

func (b *Bridge) onWeChatEvent(ev wechat.Event) {
	switch e := ev.(type) {
	case wechat.EventLoggedIn:
		L_info("bridge: wechat logged in", "wxid", e.WxID)
	case wechat.EventPushConnected:
		b.metrics.SetLinkUp(metrics.LinkWeChat, true)
		L_debug("bridge: wechat push connected")
	case wechat.EventPushDisconnected:
		b.metrics.SetLinkUp(metrics.LinkWeChat, false)
		b.metrics.Reconnects.WithLabelValues(metrics.LinkWeChat).Inc()
		L_warn("bridge: wechat push disconnected", "error", e.Err)
	case wechat.EventGaveUp:
		L_error("bridge: wechat push reconnection abandoned", "attempts", e.Attempts)
	}
}
