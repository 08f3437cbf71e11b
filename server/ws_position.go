package server

import (
	"net/http"
	"strings"

	"AzanFM/core/auth"
	"AzanFM/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// positionMessage 客户端经 WebSocket 上报的播放进度
type positionMessage struct {
	PositionSec float64 `json:"positionSec"`
	Completed   bool    `json:"completed"`
}

// healthMessage 服务端回推的缓冲健康度
type healthMessage struct {
	BufferHealthPct     float64 `json:"bufferHealthPct"`
	CurrentSegmentIndex int     `json:"currentSegmentIndex"`
}

// WSPositionHandler 播放进度长连接
// 客户端持续推送进度，服务端每条消息后回推缓冲健康度快照
// 浏览器 WebSocket 无法自定义请求头，凭证也可经 token 查询参数传递
func (h *APIHandler) WSPositionHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ParseToken(h.cfg.JWTSecret, wsToken(r))
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	if !claims.Premium {
		http.Error(w, "Premium subscription required", http.StatusForbidden)
		return
	}

	sessionID := mux.Vars(r)["session_id"]

	if _, err := h.registry.GetSession(sessionID); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	logger.Info("进度长连接已建立", logger.String("sessionId", sessionID))

	for {
		var msg positionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("进度长连接异常断开",
					logger.String("sessionId", sessionID),
					logger.ErrorField(err))
			}
			return
		}

		if msg.Completed {
			h.registry.OnPlaybackComplete(sessionID)
			return
		}

		err := h.registry.Preloader().OnPlaybackPosition(r.Context(), sessionID, msg.PositionSec)
		if err != nil {
			// 会话可能已被清扫，结束连接
			logger.Debug("进度处理失败，关闭长连接",
				logger.String("sessionId", sessionID),
				logger.ErrorField(err))
			return
		}

		snapshot, err := h.registry.GetSession(sessionID)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(healthMessage{
			BufferHealthPct:     snapshot.BufferHealthPct,
			CurrentSegmentIndex: snapshot.CurrentSegmentIndex,
		}); err != nil {
			return
		}
	}
}

// wsToken 从 token 查询参数或 Authorization 头取订阅凭证
func wsToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
