package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"captn/internal/apperr"
	"captn/internal/chatflow"
)

type errorBody struct {
	Code     apperr.Kind `json:"code"`
	Message  string      `json:"message"`
	Redirect string      `json:"redirect,omitempty"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindSubscription, apperr.KindCheckout:
		return http.StatusPaymentRequired
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error envelope. A recorder from the turn
// controller supplies the redirect and the notice shown to the user.
func abortWithError(c *gin.Context, err error, rec *chatflow.Recorder) {
	kind := apperr.KindOf(err)
	body := errorBody{Code: kind, Message: apperr.MessageOf(err)}
	if rec != nil {
		body.Redirect = rec.Redirect
		if kind != apperr.KindSubscription && len(rec.Notices) > 0 {
			body.Message = rec.Notices[len(rec.Notices)-1]
		}
	}
	if kind == apperr.KindInternal {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(statusFor(kind), gin.H{"error": body})
}
