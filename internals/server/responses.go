package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/zarlabs/zar/internals/numberpool"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Response messages the client script matches on
const (
	msgPoolUnavailable   = "number pool unavailable"
	msgPoolEmpty         = "number pool empty"
	msgNotFound          = "not found"
	msgNumberUnavailable = "session number unavailable"
	msgMaxRenewal        = "max renewal exceeded"
	msgExpired           = "number session expired"
	msgNoSID             = "no session ID"
	msgInternalError     = "internal error"
)

func successResponse(msg interface{}) gin.H {
	return gin.H{"status": statusSuccess, "msg": msg}
}

func errorResponse(msg interface{}) gin.H {
	return gin.H{"status": statusError, "msg": msg}
}

// leaseResponse renders a lease outcome in the shape the pool cookie stores:
// status, number, pool_id and an error message the client can branch on.
func leaseResponse(poolID int, res *numberpool.LeaseResult, err error) map[string]interface{} {
	out := map[string]interface{}{
		"status":  statusSuccess,
		"pool_id": poolID,
		"number":  nil,
		"msg":     nil,
	}
	if err == nil {
		out["number"] = res.Number
		out["renewed"] = res.Renewed
		return out
	}

	out["status"] = statusError
	switch {
	case errors.Is(err, numberpool.ErrPoolEmpty):
		out["msg"] = msgPoolEmpty
	case errors.Is(err, numberpool.ErrSessionNumberUnavailable):
		out["msg"] = msgNumberUnavailable
	case errors.Is(err, numberpool.ErrNumberNotFound):
		out["msg"] = msgNotFound
	case errors.Is(err, numberpool.ErrMaxRenewalExceeded):
		out["msg"] = msgMaxRenewal
	case errors.Is(err, numberpool.ErrPoolUnavailable):
		out["msg"] = msgPoolUnavailable
	default:
		out["msg"] = msgInternalError
	}
	return out
}
