// Package exchange implements the Exchange Adapter (C1): the REST and
// WebSocket clients that talk to a USDⓈ-M-style futures venue. Every venue
// integration in the core goes through this package so the rest of the
// system never depends on a specific exchange's wire format.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Credentials holds the API key/secret pair for one venue connection.
// Unlike the reference bot's two-layer wallet-signing scheme (L1 EIP-712 to
// derive L2 keys, L2 HMAC for trading), futures venues authenticate every
// private request with a single HMAC-SHA256 signature over the query
// string — so the EIP-712 derivation step has no equivalent here.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Auth signs outbound REST requests for one venue connection.
type Auth struct {
	creds Credentials
}

// NewAuth builds an Auth from a decrypted credential pair.
func NewAuth(creds Credentials) *Auth {
	return &Auth{creds: creds}
}

// APIKey returns the public key sent in the X-MBX-APIKEY-style header.
func (a *Auth) APIKey() string { return a.creds.APIKey }

// Sign computes the HMAC-SHA256 signature of a request's query string,
// the same signing scheme the reference bot used for its L2 trading
// requests ("message = ...", hex-digest instead of base64 since futures
// venues conventionally send the signature as a hex query param rather
// than a header).
func (a *Auth) Sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery appends timestamp, recvWindow, and signature to params and
// returns the encoded query string ready to send.
func (a *Auth) SignedQuery(params url.Values, recvWindowMs int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))
	if recvWindowMs > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindowMs, 10))
	}

	// url.Values.Encode sorts keys, so Sign (which encodes params again)
	// signs exactly the bytes of encoded that are sent.
	encoded := params.Encode()
	sig := a.Sign(params)
	return encoded + "&signature=" + sig
}

// listenKeyHeader mirrors the WS auth payload the reference bot sent on
// the user channel's subscribe frame, generalized to a bearer token
// (listenKey) futures venues issue for user-data streams instead of an
// API-key/secret/passphrase triplet signed per-message.
func listenKeyHeader(apiKey string) map[string]string {
	return map[string]string{"X-MBX-APIKEY": apiKey}
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
