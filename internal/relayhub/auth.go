package relayhub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/collabworks/roomsync/internal/roomsync"
)

const tokenAudience = "roomsync"

type tokenClaims struct {
	RoomID string
	UserID string
	Exp    int64
}

// MintToken issues an HS256 room token for a user. The relay and any token
// issuer share the secret out of band.
func MintToken(secret, roomID, userID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return "", roomsync.ErrInvalidInput
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"room_id": roomID,
		"user_id": userID,
		"aud":     tokenAudience,
		"exp":     now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// verifyToken checks an HS256 room token. Every failure maps to
// roomsync.ErrAuthFailed so callers treat them all as fatal rather than
// retryable.
func verifyToken(token, secret, roomID string, now time.Time) (tokenClaims, error) {
	fail := func(reason string) (tokenClaims, error) {
		return tokenClaims{}, fmt.Errorf("%w: %s", roomsync.ErrAuthFailed, reason)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fail("missing token")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fail("invalid token format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fail("invalid token header")
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fail("invalid token header")
	}
	if header.Alg != "HS256" {
		return fail("unsupported token algorithm")
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fail("invalid token signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return fail("token signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fail("invalid token payload")
	}
	var payload struct {
		RoomID string  `json:"room_id"`
		UserID string  `json:"user_id"`
		Aud    string  `json:"aud"`
		Exp    float64 `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fail("invalid token payload")
	}
	if payload.RoomID == "" || payload.UserID == "" {
		return fail("missing identity claims")
	}
	if payload.Aud != tokenAudience {
		return fail("invalid aud claim")
	}
	exp := int64(payload.Exp)
	if exp == 0 || now.Unix() >= exp {
		return fail("token expired")
	}
	if roomID != "" && payload.RoomID != roomID {
		return fail("room mismatch")
	}
	return tokenClaims{RoomID: payload.RoomID, UserID: payload.UserID, Exp: exp}, nil
}
