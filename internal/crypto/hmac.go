package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by signed governance node requests.
const (
	HeaderKey       = "X-Bond-Key"
	HeaderTimestamp = "X-Bond-Timestamp"
	HeaderSignature = "X-Bond-Signature"
)

// RequestSigner holds the credentials used to sign requests to a remote
// governance node.
type RequestSigner struct {
	Key    string
	Secret string
}

// Headers returns the authentication headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (s *RequestSigner) Headers(method, path string, body []byte) map[string]string {
	return s.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (s *RequestSigner) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       s.Key,
		HeaderTimestamp: ts,
		HeaderSignature: sign([]byte(s.Secret), ts, method, path, body),
	}
}

// Verify reports whether sig is the signature of the request at timestamp ts.
func (s *RequestSigner) Verify(method, path string, body []byte, ts, sig string) bool {
	want := sign([]byte(s.Secret), ts, method, path, body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// String returns a redacted representation suitable for logging.
func (s *RequestSigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("RequestSigner{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}

func sign(key []byte, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
