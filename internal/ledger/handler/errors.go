package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
)

// HTTPStatus maps a ledger status code onto the HTTP status it is served
// with. Clients read the ledger code from the body; the HTTP status only
// needs to be in the right family.
func HTTPStatus(code fault.StatusCode) int {
	switch code {
	case fault.OK:
		return http.StatusOK
	case fault.InvalidSignature:
		return http.StatusUnauthorized
	case fault.KeyNotFound, fault.ContractNotFound, fault.AssetNotFound, fault.TransactionNotFound:
		return http.StatusNotFound
	case fault.KeyAlreadyRegistered, fault.ContractAlreadyRegistered, fault.NonceAlreadyUsed, fault.AbortRejected:
		return http.StatusConflict
	case fault.Unavailable, fault.Conflict, fault.UnknownTransactionStatus:
		return http.StatusServiceUnavailable
	}
	switch code.Class() {
	case fault.ClassTamper:
		return http.StatusUnprocessableEntity
	case fault.ClassClient:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail renders err as an ErrorResponse. Unclassified errors are logged and
// reported without their message.
func (h *LedgerHandler) fail(c *gin.Context, err error) {
	code := fault.CodeOf(err)
	msg := fault.MessageOf(err)

	var coder fault.Coder
	if !errors.As(err, &coder) {
		h.logger.Error("unclassified error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg = "internal error"
	} else if code.Class() == fault.ClassServer {
		h.logger.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.Stringer("status", code),
			zap.Error(err),
		)
	}

	c.PureJSON(HTTPStatus(code), model.ErrorResponse{
		StatusCode: int(code),
		Status:     code.String(),
		Message:    msg,
	})
}
