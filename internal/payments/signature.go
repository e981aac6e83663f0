package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verify reports whether signatureHeader is the hex HMAC-SHA256 of rawBody under secret.
// rawBody must be the bytes exactly as received; re-encoded JSON will not match.
func Verify(rawBody []byte, signatureHeader string, secret []byte) bool {
	if len(secret) == 0 || len(rawBody) == 0 {
		return false
	}
	if len(signatureHeader) != hex.EncodedLen(sha256.Size) {
		return false
	}
	// Compare the lowercase hex text itself so that any altered byte of the header fails.
	return hmac.Equal([]byte(signatureHeader), []byte(SignHex(rawBody, secret)))
}

// VerifyCheckout checks the signature the checkout widget returns, computed over "orderId|paymentId".
func VerifyCheckout(gatewayOrderID, gatewayPaymentID, signature string, secret []byte) bool {
	if gatewayOrderID == "" || gatewayPaymentID == "" {
		return false
	}
	return Verify([]byte(gatewayOrderID+"|"+gatewayPaymentID), signature, secret)
}

func Sign(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func SignHex(body, secret []byte) string {
	return hex.EncodeToString(Sign(body, secret))
}
