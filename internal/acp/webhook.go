package acp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/storage"
)

// ErrSignature marks missing or invalid webhook signatures. It is a client
// error; the HTTP surface maps it to 401 rather than 400.
var ErrSignature = fmt.Errorf("invalid signature: %w", storage.ErrClient)

func signaturef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrSignature)...)
}

// slackTimestampSkew bounds how old a Slack request may be, defeating
// replayed signatures.
const slackTimestampSkew = 5 * time.Minute

// GitHubSignatureHeader carries the GitHub webhook HMAC.
const GitHubSignatureHeader = "X-Hub-Signature-256"

// Slack signature headers.
const (
	SlackSignatureHeader = "X-Slack-Signature"
	SlackTimestampHeader = "X-Slack-Request-Timestamp"
)

func hmacHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateGitHubSignature checks a GitHub webhook signature of the form
// "sha256=<hex>" against the raw request body. The comparison is constant
// time. An empty body is still signed and validated.
func ValidateGitHubSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return signaturef("no signing secret configured")
	}
	digest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return signaturef("malformed github signature")
	}
	expected := hmacHex([]byte(secret), body)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return signaturef("github signature mismatch")
	}
	return nil
}

// ValidateSlackSignature checks a Slack request signature of the form
// "v0=<hex>" over the base string "v0:<timestamp>:<body>". Requests with a
// timestamp more than five minutes from now are rejected regardless of
// signature.
func ValidateSlackSignature(secret string, body []byte, timestamp, signature string, now time.Time) error {
	if secret == "" {
		return signaturef("no signing secret configured")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return storage.Clientf("malformed slack timestamp")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > slackTimestampSkew || age < -slackTimestampSkew {
		return storage.Clientf("slack timestamp outside allowed window")
	}

	base := "v0:" + timestamp + ":" + string(body)
	expected := "v0=" + hmacHex([]byte(secret), []byte(base))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return signaturef("slack signature mismatch")
	}
	return nil
}
