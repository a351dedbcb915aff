package sms

import (
	"net/url"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// ValidSignature reports whether signature matches a webhook posted to
// fullURL with params, keyed with the account's auth token.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" || authToken == "" {
		return false
	}
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	v := client.NewRequestValidator(authToken)
	return v.Validate(fullURL, flat, signature)
}
