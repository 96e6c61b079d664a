package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
)

// Scope requested for the Power BI REST API.
const powerBIScope = "https://analysis.windows.net/powerbi/api/.default"

var errMissingToken = errors.New("missing token")

// TokenInfo holds the claims of an access token that are worth showing to an
// operator.
type TokenInfo struct {
	TenantID  string
	AppID     string
	ExpiresOn time.Time
}

// newCredential builds a client-credentials credential for the configured
// service principal. The token endpoint is the Azure AD v2 endpoint of the
// tenant.
func newCredential(config Config) (*azidentity.ClientSecretCredential, error) {
	cred, err := azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating credential: %w", err)
	}
	return cred, nil
}

// getAccessToken exchanges the credential for a Power BI bearer token.
func getAccessToken(ctx context.Context, cred azcore.TokenCredential) (string, error) {
	token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{powerBIScope}})
	if err != nil {
		var authErr *azidentity.AuthenticationFailedError
		if errors.As(err, &authErr) && authErr.RawResponse != nil {
			return "", fmt.Errorf("token request failed (%d): %w", authErr.RawResponse.StatusCode, err)
		}
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if token.Token == "" {
		return "", errMissingToken
	}
	return token.Token, nil
}

// parseTokenInfo reads tenant, application and expiry from an access token.
// Note: the signature is not verified. The token was just issued to us by
// Azure AD and is only inspected for display, never trusted for
// authorization decisions.
func parseTokenInfo(token string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("failed to parse token: %w", err)
	}

	var info TokenInfo
	tid, ok := claims["tid"].(string)
	if !ok {
		return TokenInfo{}, errors.New("could not find 'tid' claim in token")
	}
	info.TenantID = tid
	if appID, ok := claims["appid"].(string); ok {
		info.AppID = appID
	} else if azp, ok := claims["azp"].(string); ok {
		info.AppID = azp
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return TokenInfo{}, fmt.Errorf("invalid 'exp' claim: %w", err)
	}
	if exp != nil {
		info.ExpiresOn = exp.Time
	}
	return info, nil
}
