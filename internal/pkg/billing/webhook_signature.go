package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSignature returns lowercase hex HMAC-SHA256 of payload keyed with secret.
func ComputeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks the gateway signature header of a webhook delivery.
type Verifier struct {
	secret        string
	allowUnsigned bool
}

// NewVerifier builds a verifier. allowUnsigned only has an effect when secret is empty.
func NewVerifier(secret string, allowUnsigned bool) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret), allowUnsigned: allowUnsigned}
}

func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify compares the header against the expected digest in constant time.
// Without a secret, deliveries are accepted only if the verifier allows unsigned mode.
func (v *Verifier) Verify(payload []byte, signatureHeader string) bool {
	if !v.Configured() {
		return v.allowUnsigned
	}
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return false
	}
	expected := ComputeSignature(payload, v.secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// VerifyCheckoutSignature checks the checkout callback signature, HMAC-SHA256 of "orderId|paymentId".
func VerifyCheckoutSignature(orderID, paymentID, signature, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" || orderID == "" || paymentID == "" {
		return false
	}
	expected := ComputeSignature([]byte(orderID+"|"+paymentID), secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
