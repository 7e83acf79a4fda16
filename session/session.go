// Package session persists the signed-in user's session (access token, user
// object and refresh cookies) across process runs.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Session is the durable auth state of one signed-in user.
type Session struct {
	AccessToken string          `json:"access_token"`
	User        json.RawMessage `json:"user,omitempty"`
	Cookies     []Cookie        `json:"cookies,omitempty"`
	Expiry      time.Time       `json:"expiry,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Cookie is a refresh credential issued by the auth service.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Store holds at most one session. Get returns nil, nil when nobody is signed in.
type Store interface {
	Get(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, s *Session) error
	SignOut(ctx context.Context) error
}

// UserInfo is the subset of the user object the CLI displays.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Info decodes the user object leniently; unknown shapes yield a zero UserInfo.
func (s *Session) Info() UserInfo {
	var info UserInfo
	if s == nil || len(s.User) == 0 {
		return info
	}
	if err := json.Unmarshal(s.User, &info); err != nil {
		// Some deployments return a numeric id.
		var alt struct {
			ID    json.Number `json:"id"`
			Name  string      `json:"name"`
			Email string      `json:"email"`
			Role  string      `json:"role"`
		}
		if json.Unmarshal(s.User, &alt) == nil {
			info = UserInfo{ID: alt.ID.String(), Name: alt.Name, Email: alt.Email, Role: alt.Role}
		}
	}
	return info
}

// HTTPCookies converts the stored cookies for use on an outgoing request,
// dropping the ones that have expired.
func (s *Session) HTTPCookies(now time.Time) []*http.Cookie {
	if s == nil {
		return nil
	}
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if !c.Expires.IsZero() && now.After(c.Expires) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// MergeCookies returns existing updated with the cookies set by a response.
// Cookies the response deletes (MaxAge < 0) are dropped.
func MergeCookies(existing []Cookie, set []*http.Cookie) []Cookie {
	if len(set) == 0 {
		return existing
	}
	byName := make(map[string]int, len(existing))
	out := make([]Cookie, 0, len(existing)+len(set))
	for _, c := range existing {
		byName[c.Name] = len(out)
		out = append(out, c)
	}
	var deleted map[string]bool
	for _, hc := range set {
		if hc.MaxAge < 0 {
			if deleted == nil {
				deleted = make(map[string]bool)
			}
			deleted[hc.Name] = true
			continue
		}
		c := FromHTTPCookie(hc)
		if i, ok := byName[c.Name]; ok {
			out[i] = c
			continue
		}
		byName[c.Name] = len(out)
		out = append(out, c)
	}
	if deleted == nil {
		return out
	}
	kept := out[:0]
	for _, c := range out {
		if !deleted[c.Name] {
			kept = append(kept, c)
		}
	}
	return kept
}

// FromHTTPCookie converts a Set-Cookie value into its stored form.
func FromHTTPCookie(hc *http.Cookie) Cookie {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Domain:   hc.Domain,
		Expires:  hc.Expires,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if hc.MaxAge > 0 && c.Expires.IsZero() {
		c.Expires = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
	}
	return c
}
