package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names carried by every signed request.
const (
	HeaderKey       = "X-TG-KEY"
	HeaderTimestamp = "X-TG-TIMESTAMP"
	HeaderSignature = "X-TG-SIGNATURE"
)

type signer struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

func newSigner(apiKey, secret string) *signer {
	return &signer{apiKey: apiKey, secret: []byte(secret), now: time.Now}
}

// Signature computes base64url(HMAC-SHA256(secret, ts + METHOD + path + body)).
// path includes the query string.
func Signature(secret []byte, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + strings.ToUpper(method) + path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// sign stamps the request. The timestamp is taken per request so a retry by
// the caller is never rejected as stale.
func (s *signer) sign(req *http.Request, path string, body []byte) {
	if s.apiKey == "" {
		return
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	req.Header.Set(HeaderKey, s.apiKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Signature(s.secret, ts, req.Method, path, body))
}
