// Package outlook implements the Microsoft half of C3: a device-code
// flow against the Microsoft identity platform, silent refresh via
// golang.org/x/oauth2's token source, and local-only revocation (Azure
// AD has no simple token-revoke endpoint, matching the Python
// original's comment). Grounded on
// original_source/src/auth/oauth2_outlook.py's OAuth2Outlook, trading
// MSAL's account/cache abstraction for x/oauth2's DeviceAuth support
// plus the shared auth.StoredToken persistence.
package outlook

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mailpipe/ingestion/internal/auth"
	"github.com/mailpipe/ingestion/internal/errs"
)

// Scopes is the Outlook IMAP scope set (spec.md §4.3).
var Scopes = []string{"https://outlook.office365.com/IMAP.AccessAsUser.All", "offline_access"}

const authorityBase = "https://login.microsoftonline.com"

// Provider implements auth.Provider for Outlook / Microsoft 365.
type Provider struct {
	cfg       oauth2.Config
	tenantID  string
	tokenFile string
	log       *zap.Logger
}

// New builds an Outlook provider. tenantID may be "common",
// "organizations", "consumers", or a specific Azure AD tenant GUID.
func New(clientID, clientSecret, tenantID, tokenFile string, log *zap.Logger) *Provider {
	if tenantID == "" {
		tenantID = "common"
	}
	authority := fmt.Sprintf("%s/%s", authorityBase, tenantID)
	return &Provider{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       authority + "/oauth2/v2.0/authorize",
				TokenURL:      authority + "/oauth2/v2.0/token",
				DeviceAuthURL: authority + "/oauth2/v2.0/devicecode",
			},
		},
		tenantID:  tenantID,
		tokenFile: tokenFile,
		log:       auth.Log(log),
	}
}

// InteractiveSetup runs the device-code flow: it requests a device
// code, prints the verification URL and user code for the operator to
// complete in a browser, then polls until the token is granted.
func (p *Provider) InteractiveSetup(ctx context.Context) error {
	da, err := p.cfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("%w: initiate device flow: %v", errs.AuthSetupRequired, err)
	}

	p.log.Info("microsoft account authentication required",
		zap.String("verification_uri", da.VerificationURI),
		zap.String("user_code", da.UserCode),
	)

	tok, err := p.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("%w: device flow polling failed: %v", errs.AuthSetupRequired, err)
	}

	stored := auth.StoredToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       Scopes,
		Extra:        map[string]string{"tenant_id": p.tenantID},
	}
	if err := auth.SaveToken(p.tokenFile, stored); err != nil {
		return fmt.Errorf("%w: %v", errs.AuthSetupRequired, err)
	}
	p.log.Info("outlook oauth2 setup complete", zap.String("token_file", p.tokenFile))
	return nil
}

// AccessToken returns a valid access token, silently refreshing via the
// stored refresh token if the current one is within the
// preemptive-refresh window.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	stored, ok, err := auth.LoadToken(p.tokenFile)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no token on disk, run interactive setup first", errs.AuthSetupRequired)
	}

	if !stored.Expired() {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired and no refresh token available", errs.TokenRefreshFailed)
	}

	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.TokenRefreshFailed, err)
	}

	stored.AccessToken = fresh.AccessToken
	stored.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		stored.RefreshToken = fresh.RefreshToken
	}
	if err := auth.SaveToken(p.tokenFile, stored); err != nil {
		return "", err
	}
	p.log.Info("refreshed outlook access token")
	return stored.AccessToken, nil
}

// SASLXOAUTH2 returns the base64-encoded XOAUTH2 initial response. The
// framing is identical to Gmail's per RFC 7628.
func (p *Provider) SASLXOAUTH2(ctx context.Context, username string) (string, error) {
	tok, err := p.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return auth.SASLXOAUTH2String(username, tok), nil
}

// Revoke clears the local token file. Azure AD has no simple
// token-revocation endpoint comparable to Google's; an operator who
// needs a hard revoke must do so from the Azure AD portal.
func (p *Provider) Revoke(ctx context.Context) error {
	if err := auth.DeleteToken(p.tokenFile); err != nil {
		return fmt.Errorf("%w: %v", errs.TokenRevoked, err)
	}
	p.log.Info("outlook token cache cleared")
	return nil
}

// Info reports the current token's status.
func (p *Provider) Info() auth.TokenInfo {
	stored, ok, err := auth.LoadToken(p.tokenFile)
	if err != nil || !ok {
		return auth.TokenInfo{Status: "no_token", Provider: "outlook"}
	}
	status := "valid"
	if stored.Expired() {
		status = "invalid"
	}
	info := auth.TokenInfo{
		Status:          status,
		Provider:        "outlook",
		HasRefreshToken: stored.RefreshToken != "",
		Scopes:          stored.Scopes,
	}
	if !stored.Expiry.IsZero() {
		expiry := stored.Expiry
		info.Expiry = &expiry
		secs := time.Until(expiry).Seconds()
		info.ExpiresInSeconds = &secs
	}
	return info
}
