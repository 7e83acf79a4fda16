package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-authgate/campus-cli/session"
)

// ErrInvalidCredentials is returned by Login when the auth service rejects the email/password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrorResponse is the error body returned by the platform services.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Login signs in with email and password and stores the new session.
func (b *Broker) Login(ctx context.Context, email, password string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.authURL+b.loginPath, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrInvalidCredentials
		}
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
			return nil, fmt.Errorf("login failed: %s", errResp.Message)
		}
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(body))
	}

	res, err := decodeAuthResponse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}

	sess := &session.Session{
		AccessToken: res.AccessToken,
		User:        res.User,
		Cookies:     session.MergeCookies(nil, resp.Cookies()),
	}
	if err := b.SignIn(ctx, sess); err != nil {
		return nil, err
	}
	b.log.WithField("user", sess.Info().Email).Debug("Signed in")
	return res, nil
}

// Logout revokes the refresh credential on the auth service, best effort, and
// then clears the local session. It only fails if the local sign-out fails.
func (b *Broker) Logout(ctx context.Context) error {
	sess, err := b.store.Get(ctx)
	if err != nil {
		b.log.WithError(err).Warn("Failed to read session before logout")
	}

	if sess != nil {
		if err := b.revoke(ctx, sess); err != nil {
			b.log.WithError(err).Warn("Server-side logout failed")
		}
	}
	return b.SignOut(ctx)
}

func (b *Broker) revoke(ctx context.Context, sess *session.Session) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.authURL+b.logoutPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	for _, c := range sess.HTTPCookies(b.clock.Now()) {
		req.AddCookie(c)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}
