package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"AzanFM/config"
	"AzanFM/core/cdn"
	"AzanFM/core/stream"
	"AzanFM/logger"
	"AzanFM/repository"

	"github.com/gorilla/mux"
)

// APIHandler 流媒体 API 处理器
type APIHandler struct {
	registry  *stream.Registry
	index     *cdn.CacheIndex
	assetRepo repository.AssetRepository
	cfg       *config.Config
}

// NewAPIHandler 创建 API 处理器
func NewAPIHandler(registry *stream.Registry, index *cdn.CacheIndex, assetRepo repository.AssetRepository, cfg *config.Config) *APIHandler {
	return &APIHandler{
		registry:  registry,
		index:     index,
		assetRepo: assetRepo,
		cfg:       cfg,
	}
}

// createSessionRequest 创建会话请求体
// url 省略时从资产目录解析；durationSec 省略时用目录时长或默认估计
type createSessionRequest struct {
	AudioID     string   `json:"audioId"`
	URL         string   `json:"url"`
	DurationSec *float64 `json:"durationSec"`
}

// CreateSessionHandler 创建播放会话
// 地址为空或格式错误不会导致创建失败，播放失败推迟到 start 时暴露
func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AudioID == "" {
		http.Error(w, "audioId is required", http.StatusBadRequest)
		return
	}

	originURL := req.URL
	durationSec := req.DurationSec

	// 未显式给出地址时从资产目录补全
	if originURL == "" && h.assetRepo != nil {
		asset, err := h.assetRepo.GetAssetByID(req.AudioID)
		if err != nil {
			logger.Warn("资产目录查询失败",
				logger.String("audioId", req.AudioID),
				logger.ErrorField(err))
		} else if asset != nil {
			originURL = asset.OriginURL
			if durationSec == nil && asset.DurationSec > 0 {
				d := asset.DurationSec
				durationSec = &d
			}
		}
	}

	sessionID := h.registry.CreateSession(r.Context(), req.AudioID, originURL, durationSec)

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

// StartStreamingHandler 开始播放
func (h *APIHandler) StartStreamingHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	handle, err := h.registry.StartStreaming(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrSessionNotFound):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, stream.ErrConcurrencyLimit):
			http.Error(w, "Too many concurrent streams", http.StatusTooManyRequests)
		case errors.Is(err, cdn.ErrSourceResolution):
			http.Error(w, "No playable source for this session", http.StatusBadGateway)
		default:
			http.Error(w, "Failed to start streaming", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, handle)
}

// StopStreamingHandler 停止播放（幂等）
func (h *APIHandler) StopStreamingHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	h.registry.StopStreaming(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// positionRequest 播放进度上报
type positionRequest struct {
	PositionSec float64 `json:"positionSec"`
	Completed   bool    `json:"completed"`
}

// PositionHandler 接收播放进度（HTTP 方式，WebSocket 方式见 ws_position.go）
func (h *APIHandler) PositionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Completed {
		h.registry.OnPlaybackComplete(sessionID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.registry.Preloader().OnPlaybackPosition(r.Context(), sessionID, req.PositionSec); err != nil {
		if errors.Is(err, stream.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to process position", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetSessionHandler 查询会话状态快照（缓冲健康度等）
func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	snapshot, err := h.registry.GetSession(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// StatsHandler 引擎统计
func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.GetStats())
}

// AssetsHandler 资产目录列表
func (h *APIHandler) AssetsHandler(w http.ResponseWriter, r *http.Request) {
	if h.assetRepo == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}

	category := r.URL.Query().Get("category")

	var err error
	var assets interface{}
	if category != "" {
		assets, err = h.assetRepo.GetAssetsByCategory(category)
	} else {
		assets, err = h.assetRepo.GetAllAssets()
	}
	if err != nil {
		logger.Error("资产目录查询失败", logger.ErrorField(err))
		http.Error(w, "Failed to list assets", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, assets)
}

// CacheCleanupHandler 主动清理过期缓存
func (h *APIHandler) CacheCleanupHandler(w http.ResponseWriter, r *http.Request) {
	removed := h.index.CleanupExpired(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// CacheClearHandler 清空全部缓存
func (h *APIHandler) CacheClearHandler(w http.ResponseWriter, r *http.Request) {
	removed := h.index.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// CacheStatsHandler 缓存统计
func (h *APIHandler) CacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.index.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("响应序列化失败", logger.ErrorField(err))
	}
}
