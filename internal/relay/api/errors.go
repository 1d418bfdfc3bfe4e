package api

import "github.com/gin-gonic/gin"

// writeError renders the relay's consistent error envelope.
func writeError(c *gin.Context, status int, code, detail string) {
	c.JSON(status, errorBody{Error: code, Detail: detail})
}

// ingressStatus maps an ingress rejection code to its HTTP status, per the
// error-handling table: rate limit breaches defer, signature/decryption
// failures are 400 at ingress, everything else surfaces its own code.
func ingressStatus(code string) int {
	switch code {
	case "unauthorized":
		return 401
	case "blocked", "reputation_blocked":
		return 403
	case "rate_limited":
		return 429
	case "service_unavailable":
		return 503
	case "invalid_envelope", "invalid_signature", "sender_mismatch", "expired":
		return 400
	default:
		return 400
	}
}
