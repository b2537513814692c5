package upstream

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// Signature holds the three header values that authenticate one upstream call.
// Date must be sent verbatim as the x-date header.
type Signature struct {
	Authorization string
	Digest        string
	Date          string
}

// Sign computes the HMAC-SHA1 request signature over the x-date and digest
// headers. body must be the exact bytes that go on the wire.
func Sign(secretKey, username string, body []byte, ts time.Time) Signature {
	digest := Digest(body)
	date := ts.UTC().Format(http.TimeFormat)

	mac := hmac.New(sha1.New, []byte(secretKey))
	_, _ = mac.Write([]byte(signingString(date, digest)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Signature{
		Authorization: fmt.Sprintf(`hmac username="%s", algorithm="hmac-sha1", headers="x-date digest", signature="%s"`, username, sig),
		Digest:        digest,
		Date:          date,
	}
}

func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func signingString(date, digest string) string {
	return "x-date: " + date + "\ndigest: " + digest
}
