package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/payvault/internal/audit"
	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/ratelimit"
	"github.com/ppiankov/payvault/internal/state"
)

const (
	defaultAuditLimit = 50
	maxListLimit      = 1000
)

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/v1", s.requireToken(), s.limit(ratelimit.CategoryAPI))
	{
		v1.GET("/session", s.handleSession)
		v1.POST("/session/auth", s.limit(ratelimit.CategoryAuth), s.handleAuthenticate)
		v1.POST("/session/logout", s.handleLogout)

		v1.POST("/transactions", s.limit(ratelimit.CategoryTransactions), s.handleProcess)
		v1.GET("/transactions", s.handleTransactions)
		v1.GET("/transactions/:id", s.handleTransaction)

		v1.GET("/queue", s.handleQueue)
		v1.POST("/queue/drain", s.handleDrain)

		v1.GET("/connectivity", s.handleConnectivity)
		v1.PUT("/connectivity", s.handleSetConnectivity)

		v1.GET("/audit", s.handleAudit)
		v1.GET("/audit/verify", s.handleAuditVerify)

		v1.GET("/device", s.handleDevice)
		v1.POST("/device/trust", s.handleTrustDevice)

		v1.GET("/keystore", s.handleKeyContext)
		v1.GET("/fraud/config", s.handleFraudConfig)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": s.eng.Online()})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Session(c.Request.Context()))
}

// authRequest carries the device bridge's verdicts: the fallback
// confirmation and, for the enhanced tier, the biometric outcome.
type authRequest struct {
	Tier      string `json:"tier"`
	Confirmed bool   `json:"confirmed"`
	Biometric *struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	} `json:"biometric,omitempty"`
}

func (s *Server) handleAuthenticate(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Tier == "" {
		req.Tier = string(state.TierStandard)
	}
	tier, ok := state.ParseTier(req.Tier)
	if !ok || tier == state.TierNone {
		badRequest(c, "tier must be standard or enhanced")
		return
	}

	ctx := auth.WithConfirmation(c.Request.Context(), req.Confirmed)
	if req.Biometric != nil {
		ctx = auth.WithBiometricResult(ctx, auth.Outcome{Success: req.Biometric.Success, Reason: req.Biometric.Reason})
	}
	st, err := s.eng.Authenticate(ctx, tier)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleLogout(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Logout(c.Request.Context()))
}

func (s *Server) handleProcess(c *gin.Context) {
	var req model.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	res, err := s.eng.Process(c.Request.Context(), req)
	if err != nil {
		status, code := classify(err)
		body := errorBody{Error: err.Error(), Code: code}
		if res.Transaction.ID != "" {
			body.Result = &res
		}
		var inv *model.InvalidTransactionError
		if errors.As(err, &inv) {
			body.Field = inv.Field
		}
		c.JSON(status, body)
		return
	}
	status := http.StatusOK
	if res.Transaction.Status == model.StatusQueuedOffline && !res.Duplicate {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) handleTransactions(c *gin.Context) {
	limit, ok := queryLimit(c, 0)
	if !ok {
		return
	}
	txs, err := s.eng.Transactions(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) handleTransaction(c *gin.Context) {
	tx, err := s.eng.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) handleQueue(c *gin.Context) {
	items, err := s.eng.QueueSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items), "online": s.eng.Online()})
}

func (s *Server) handleDrain(c *gin.Context) {
	report, err := s.eng.Drain(c.Request.Context())
	if err != nil {
		status, code := classify(err)
		c.JSON(status, gin.H{"error": err.Error(), "code": code, "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": s.eng.Online()})
}

func (s *Server) handleSetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		badRequest(c, `body must be {"online": true|false}`)
		return
	}
	changed := s.eng.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online, "changed": changed})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, ok := queryLimit(c, defaultAuditLimit)
	if !ok {
		return
	}
	entries, err := s.eng.RecentAudit(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditVerify(c *gin.Context) {
	entries, report, err := s.eng.AuditHistory(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verify": audit.Verify(entries), "load": report})
}

func (s *Server) handleDevice(c *gin.Context) {
	st, err := s.eng.Device(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleTrustDevice(c *gin.Context) {
	if err := s.eng.TrustCurrentDevice(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	st, err := s.eng.Device(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleKeyContext(c *gin.Context) {
	kc, err := s.eng.KeyContext(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": kc.UserID, "device_id": kc.DeviceID, "salt_bytes": len(kc.Salt)})
}

func (s *Server) handleFraudConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.FraudConfig())
}

// queryLimit parses ?limit=. It writes the error response itself.
func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxListLimit {
		badRequest(c, "limit must be an integer between 0 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}
