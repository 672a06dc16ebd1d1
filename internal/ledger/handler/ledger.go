package handler

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
	"github.com/jmerrifield20/assetledger/internal/ledger/service"
)

// LedgerHandler handles HTTP requests for one ledger node.
type LedgerHandler struct {
	svc         *service.LedgerService
	adminSecret string // empty = secret registration disabled
	logger      *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *service.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// SetAdminSecret configures the bearer secret guarding POST /secrets.
func (h *LedgerHandler) SetAdminSecret(secret string) {
	h.adminSecret = secret
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/certificates", h.RegisterCertificate)
	rg.POST("/secrets", h.requireAdmin(), h.RegisterSecret)

	contracts := rg.Group("/contracts")
	{
		contracts.POST("", h.RegisterContract)
		contracts.GET("", h.ListContracts)
		contracts.GET("/:id", h.GetContract)
	}
	rg.GET("/binaries", h.ListBinaries)

	rg.POST("/execute", h.Execute)

	assets := rg.Group("/assets")
	{
		assets.POST("/validate", h.Validate)
		assets.GET("/:id/history", h.History)
	}

	txs := rg.Group("/transactions")
	{
		txs.GET("/:id/state", h.State)
		txs.POST("/abort", h.Abort)
	}
}

// requireAdmin enforces "Authorization: Bearer <admin secret>".
func (h *LedgerHandler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, model.ErrorResponse{
				StatusCode: int(fault.InvalidRequest),
				Status:     fault.InvalidRequest.String(),
				Message:    "secret registration is disabled on this node",
			})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{
				StatusCode: int(fault.InvalidRequest),
				Status:     fault.InvalidRequest.String(),
				Message:    "admin bearer secret required",
			})
			return
		}
		c.Next()
	}
}

// bind decodes the JSON body into req, answering INVALID_REQUEST on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.PureJSON(http.StatusBadRequest, model.ErrorResponse{
			StatusCode: int(fault.InvalidRequest),
			Status:     fault.InvalidRequest.String(),
			Message:    err.Error(),
		})
		return false
	}
	return true
}

// RegisterCertificate handles POST /certificates.
func (h *LedgerHandler) RegisterCertificate(c *gin.Context) {
	var req model.RegisterCertificateRequest
	if !bind(c, &req) {
		return
	}
	info, err := h.svc.RegisterCertificate(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusCreated, info)
}

// RegisterSecret handles POST /secrets.
func (h *LedgerHandler) RegisterSecret(c *gin.Context) {
	var req model.RegisterSecretRequest
	if !bind(c, &req) {
		return
	}
	info, err := h.svc.RegisterSecret(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusCreated, info)
}

// RegisterContract handles POST /contracts.
func (h *LedgerHandler) RegisterContract(c *gin.Context) {
	var req model.RegisterContractRequest
	if !bind(c, &req) {
		return
	}
	rec, err := h.svc.RegisterContract(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusCreated, rec)
}

// GetContract handles GET /contracts/:id.
func (h *LedgerHandler) GetContract(c *gin.Context) {
	rec, err := h.svc.GetContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, rec)
}

// ListContracts handles GET /contracts.
func (h *LedgerHandler) ListContracts(c *gin.Context) {
	recs, err := h.svc.ListContracts(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, gin.H{"contracts": recs, "count": len(recs)})
}

// ListBinaries handles GET /binaries.
func (h *LedgerHandler) ListBinaries(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{"binaries": h.svc.Binaries()})
}

// Execute handles POST /execute.
func (h *LedgerHandler) Execute(c *gin.Context) {
	var req model.ExecuteRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Execute(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, res)
}

// Validate handles POST /assets/validate.
func (h *LedgerHandler) Validate(c *gin.Context) {
	var req model.ValidateRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Validate(c.Request.Context(), &req)
	if err != nil {
		RecordValidation(h.svc.Role(), false)
		h.fail(c, err)
		return
	}
	RecordValidation(h.svc.Role(), true)
	c.PureJSON(http.StatusOK, res)
}

// History handles GET /assets/:id/history. Query parameters: namespace,
// start_age, start_exclusive, end_age, end_exclusive, order, limit.
func (h *LedgerHandler) History(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.History(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, res)
}

func filterFromQuery(c *gin.Context) (asset.Filter, error) {
	f := asset.NewFilter(asset.NewKey(c.Query("namespace"), c.Param("id")))

	if s := c.Query("start_age"); s != "" {
		age, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return f, asset.ErrInvalidFilter.New("start_age must be a non-negative integer")
		}
		f = f.WithStart(age, c.Query("start_exclusive") != "true")
	}
	if s := c.Query("end_age"); s != "" {
		age, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return f, asset.ErrInvalidFilter.New("end_age must be a non-negative integer")
		}
		f = f.WithEnd(age, c.Query("end_exclusive") != "true")
	}
	order, err := asset.ParseOrder(c.Query("order"))
	if err != nil {
		return f, err
	}
	f = f.WithOrder(order)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, asset.ErrInvalidFilter.New("limit must be a non-negative integer")
		}
		f = f.WithLimit(n)
	}
	return f, nil
}

// State handles GET /transactions/:id/state.
func (h *LedgerHandler) State(c *gin.Context) {
	st, err := h.svc.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, st)
}

// Abort handles POST /transactions/abort.
func (h *LedgerHandler) Abort(c *gin.Context) {
	var req model.AbortRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Abort(c.Request.Context(), &req); err != nil {
		h.fail(c, err)
		return
	}
	c.PureJSON(http.StatusOK, gin.H{"aborted": true})
}
