package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAccessToken(t *testing.T) {
	cred := &fakeCredential{token: "opaque"}
	token, err := getAccessToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "opaque", token)
	assert.Equal(t, []string{"https://analysis.windows.net/powerbi/api/.default"}, cred.scopes)
}

func TestGetAccessTokenMissing(t *testing.T) {
	_, err := getAccessToken(context.Background(), &fakeCredential{})
	assert.ErrorIs(t, err, errMissingToken)
}

func TestGetAccessTokenError(t *testing.T) {
	cause := errors.New("AADSTS7000215: Invalid client secret provided")
	_, err := getAccessToken(context.Background(), &fakeCredential{err: cause})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "token request failed")
}

func TestParseTokenInfo(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid":   "72f988bf-86f1-41af-91ab-2d7cd011db47",
		"appid": "11111111-2222-3333-4444-555555555555",
		"exp":   exp.Unix(),
	}).SignedString([]byte("not-checked"))
	require.NoError(t, err)

	info, err := parseTokenInfo(token)
	require.NoError(t, err)
	assert.Equal(t, "72f988bf-86f1-41af-91ab-2d7cd011db47", info.TenantID)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", info.AppID)
	assert.True(t, exp.Equal(info.ExpiresOn), "expected %s, got %s", exp, info.ExpiresOn)
}

func TestParseTokenInfoAzpFallback(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid": "tenant",
		"azp": "client",
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	info, err := parseTokenInfo(token)
	require.NoError(t, err)
	assert.Equal(t, "client", info.AppID)
	assert.True(t, info.ExpiresOn.IsZero())
}

func TestParseTokenInfoErrors(t *testing.T) {
	_, err := parseTokenInfo("not-a-jwt")
	assert.Error(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = parseTokenInfo(token)
	assert.EqualError(t, err, "could not find 'tid' claim in token")
}

func TestNewCredentialRejectsBadTenant(t *testing.T) {
	_, err := newCredential(Config{TenantID: "not a tenant!", ClientID: "c", ClientSecret: "s"})
	assert.Error(t, err)
}
