// Package gmail implements the Google half of C3: an authorization-code
// flow with a loopback HTTP redirect, token refresh via
// golang.org/x/oauth2, and revocation against Google's token-revoke
// endpoint. Grounded on
// original_source/src/auth/oauth2_gmail.py's OAuth2Gmail.
package gmail

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mailpipe/ingestion/internal/auth"
	"github.com/mailpipe/ingestion/internal/errs"
)

// Scopes is the IMAP scope Gmail requires (spec.md §4.3).
var Scopes = []string{"https://mail.google.com/"}

const revokeURL = "https://oauth2.googleapis.com/revoke"

// Provider implements auth.Provider for Gmail.
type Provider struct {
	cfg       oauth2.Config
	tokenFile string
	account   string
	log       *zap.Logger
}

// New builds a Gmail provider. redirectURI must be a loopback address
// (e.g. "http://127.0.0.1:8080") since Google's installed-app flow
// requires it.
func New(clientID, clientSecret, redirectURI, tokenFile, account string, log *zap.Logger) *Provider {
	return &Provider{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		tokenFile: tokenFile,
		account:   account,
		log:       auth.Log(log),
	}
}

// InteractiveSetup runs the authorization-code flow: it starts a
// loopback HTTP listener matching the provider's redirect URI, logs
// the consent URL for the operator to open, and exchanges the returned
// code for a token.
func (p *Provider) InteractiveSetup(ctx context.Context) error {
	state := fmt.Sprintf("%d", time.Now().UnixNano())
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	redirect, err := url.Parse(p.cfg.RedirectURL)
	if err != nil {
		return fmt.Errorf("%w: parse redirect uri: %v", errs.AuthSetupRequired, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth2 state mismatch")
			return
		}
		if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization denied: %s", errMsg)
			return
		}
		code := r.URL.Query().Get("code")
		fmt.Fprintln(w, "Authentication successful! You can close this window.")
		codeCh <- code
	})

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("%w: bind loopback listener: %v", errs.AuthSetupRequired, err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	p.log.Info("open this URL to authenticate with Google", zap.String("url", authURL))

	var code string
	select {
	case code = <-codeCh:
	case err = <-errCh:
		return fmt.Errorf("%w: %v", errs.AuthSetupRequired, err)
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: exchange code: %v", errs.AuthSetupRequired, err)
	}

	stored := auth.StoredToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       Scopes,
	}
	if err := auth.SaveToken(p.tokenFile, stored); err != nil {
		return fmt.Errorf("%w: %v", errs.AuthSetupRequired, err)
	}
	p.log.Info("gmail oauth2 setup complete", zap.String("token_file", p.tokenFile))
	return nil
}

// AccessToken returns a valid access token, refreshing from the stored
// refresh token if the current one is within the preemptive-refresh
// window.
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
	p.log.Info("refreshed gmail access token")
	return stored.AccessToken, nil
}

// SASLXOAUTH2 returns the base64-encoded XOAUTH2 initial response.
func (p *Provider) SASLXOAUTH2(ctx context.Context, username string) (string, error) {
	tok, err := p.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return auth.SASLXOAUTH2String(username, tok), nil
}

// Revoke calls Google's revoke endpoint and deletes the local token
// file.
func (p *Provider) Revoke(ctx context.Context) error {
	stored, ok, err := auth.LoadToken(p.tokenFile)
	if err != nil {
		return err
	}
	if ok && stored.AccessToken != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, nil)
		if err == nil {
			q := req.URL.Query()
			q.Set("token", stored.AccessToken)
			req.URL.RawQuery = q.Encode()
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			} else {
				p.log.Warn("revoke request failed", zap.Error(err))
			}
		}
	}
	if err := auth.DeleteToken(p.tokenFile); err != nil {
		return fmt.Errorf("%w: %v", errs.TokenRevoked, err)
	}
	p.log.Info("gmail token revoked")
	return nil
}

// Info reports the current token's status.
func (p *Provider) Info() auth.TokenInfo {
	stored, ok, err := auth.LoadToken(p.tokenFile)
	if err != nil || !ok {
		return auth.TokenInfo{Status: "no_token", Provider: "gmail"}
	}
	status := "valid"
	if stored.Expired() {
		status = "invalid"
	}
	info := auth.TokenInfo{
		Status:          status,
		Provider:        "gmail",
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
