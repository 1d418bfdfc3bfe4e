package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

// AdminHandler serves blocklist/allowlist/reputation CRUD, guarded by a
// static X-Admin-Key header. A zero-value adminKey disables the whole
// surface with 503, rather than silently accepting an empty key.
type AdminHandler struct {
	storage    store.Storage
	blocklist  *spam.PatternSet
	allowlist  *spam.PatternSet
	reputation *spam.ReputationManager
	adminKey   string
}

// NewAdminHandler constructs an AdminHandler. adminKey empty disables the
// endpoints (503).
func NewAdminHandler(storage store.Storage, blocklist, allowlist *spam.PatternSet, reputation *spam.ReputationManager, adminKey string) *AdminHandler {
	return &AdminHandler{storage: storage, blocklist: blocklist, allowlist: allowlist, reputation: reputation, adminKey: adminKey}
}

// Register wires the admin routes under rg.Group("/admin").
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin", h.requireAdminKey())
	admin.POST("/blocklist", h.addBlock)
	admin.DELETE("/blocklist", h.removeBlock)
	admin.GET("/blocklist", h.listBlock)
	admin.POST("/allowlist", h.addAllow)
	admin.DELETE("/allowlist", h.removeAllow)
	admin.GET("/allowlist", h.listAllow)
	admin.PUT("/reputation/:addr", h.setReputation)
	admin.GET("/reputation/:addr", h.getReputation)
}

func (h *AdminHandler) requireAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminKey == "" {
			writeError(c, http.StatusServiceUnavailable, "service_unavailable", "admin API is not configured")
			c.Abort()
			return
		}
		if c.GetHeader("X-Admin-Key") != h.adminKey {
			writeError(c, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *AdminHandler) addBlock(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.storage.AddBlockPattern(c.Request.Context(), req.Pattern); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "add block pattern failed")
		return
	}
	h.blocklist.Add(req.Pattern)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) removeBlock(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.storage.RemoveBlockPattern(c.Request.Context(), req.Pattern); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "remove block pattern failed")
		return
	}
	h.blocklist.Remove(req.Pattern)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) listBlock(c *gin.Context) {
	patterns, err := h.storage.ListBlockPatterns(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "list block patterns failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

func (h *AdminHandler) addAllow(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.storage.AddAllowPattern(c.Request.Context(), req.Pattern); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "add allow pattern failed")
		return
	}
	h.allowlist.Add(req.Pattern)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) removeAllow(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.storage.RemoveAllowPattern(c.Request.Context(), req.Pattern); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "remove allow pattern failed")
		return
	}
	h.allowlist.Remove(req.Pattern)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) listAllow(c *gin.Context) {
	patterns, err := h.storage.ListAllowPatterns(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "list allow patterns failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

func (h *AdminHandler) setReputation(c *gin.Context) {
	var req reputationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.reputation.SetScore(c.Request.Context(), c.Param("addr"), req.Score); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "set reputation failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) getReputation(c *gin.Context) {
	r, err := h.reputation.GetOrCreate(c.Request.Context(), c.Param("addr"))
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found", "no reputation record")
		return
	}
	c.JSON(http.StatusOK, r)
}
