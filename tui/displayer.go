package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Summary is what a finished command reports. Empty fields are not shown.
type Summary struct {
	Title        string
	Name         string
	Email        string
	Role         string
	TokenPreview string
	ExpiresIn    time.Duration
}

// Displayer abstracts all user-facing progress output. It also receives the
// broker's refresh events and the API clients' 401 recovery events.
type Displayer interface {
	Banner()
	SessionFound()
	SessionNotFound()
	LoggingIn(email string)
	LoginOK()
	SessionSaved(location string)
	LoggedOut()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	SignedOut()
	Calling(service, method, path string)
	APICallOK(service string)
	APICallFailed(err error)
	AccessTokenRejected(service string)
	TokenRefreshedRetrying(service string)
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Campus Platform CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound() {
	fmt.Fprintln(p.w, "Found existing session.")
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "Not signed in. Run: campus login -email <email>")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Signing in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK() {
	fmt.Fprintln(p.w, "Signed in successfully!")
}

func (p *PlainDisplayer) SessionSaved(location string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", location)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "Session cleared.")
}

func (p *PlainDisplayer) Calling(service, method, path string) {
	fmt.Fprintf(p.w, "%s %s %s\n", method, service, path)
}

func (p *PlainDisplayer) APICallOK(service string) {
	fmt.Fprintf(p.w, "%s call successful!\n", service)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) AccessTokenRejected(service string) {
	fmt.Fprintf(p.w, "Access token rejected by %s (401), refreshing...\n", service)
}

func (p *PlainDisplayer) TokenRefreshedRetrying(service string) {
	fmt.Fprintf(p.w, "Token refreshed, retrying %s call...\n", service)
}

func (p *PlainDisplayer) Done(s Summary) {
	fmt.Fprintln(p.w, "\n========================================")
	if s.Title != "" {
		fmt.Fprintln(p.w, s.Title)
	}
	for _, f := range s.fields() {
		fmt.Fprintf(p.w, "%s %s\n", f.label, f.value)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

type summaryField struct {
	label string
	value string
}

func (s Summary) fields() []summaryField {
	var out []summaryField
	add := func(label, value string) {
		if value != "" {
			out = append(out, summaryField{label: label, value: value})
		}
	}
	add("User:        ", s.Name)
	add("Email:       ", s.Email)
	add("Role:        ", s.Role)
	if s.TokenPreview != "" {
		add("Access Token:", s.TokenPreview+"...")
	}
	if s.ExpiresIn != 0 {
		add("Expires In:  ", formatDuration(s.ExpiresIn))
	}
	return out
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                         {}
func (NoopDisplayer) SessionFound()                   {}
func (NoopDisplayer) SessionNotFound()                {}
func (NoopDisplayer) LoggingIn(_ string)              {}
func (NoopDisplayer) LoginOK()                        {}
func (NoopDisplayer) SessionSaved(_ string)           {}
func (NoopDisplayer) LoggedOut()                      {}
func (NoopDisplayer) Refreshing()                     {}
func (NoopDisplayer) RefreshOK()                      {}
func (NoopDisplayer) RefreshFailed(_ error)           {}
func (NoopDisplayer) SignedOut()                      {}
func (NoopDisplayer) Calling(_, _, _ string)          {}
func (NoopDisplayer) APICallOK(_ string)              {}
func (NoopDisplayer) APICallFailed(_ error)           {}
func (NoopDisplayer) AccessTokenRejected(_ string)    {}
func (NoopDisplayer) TokenRefreshedRetrying(_ string) {}
func (NoopDisplayer) Done(_ Summary)                  {}
func (NoopDisplayer) Fatal(_ error)                   {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound() {
	t.p.Send(MsgSessionFound{})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK() {
	t.p.Send(MsgLoginOK{})
}

func (t *ProgramDisplayer) SessionSaved(location string) {
	t.p.Send(MsgSessionSaved{Location: location})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) Calling(service, method, path string) {
	t.p.Send(MsgCalling{Service: service, Method: method, Path: path})
}

func (t *ProgramDisplayer) APICallOK(service string) {
	t.p.Send(MsgAPICallOK{Service: service})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) AccessTokenRejected(service string) {
	t.p.Send(MsgAccessTokenRejected{Service: service})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying(service string) {
	t.p.Send(MsgTokenRefreshedRetrying{Service: service})
}

func (t *ProgramDisplayer) Done(s Summary) {
	t.p.Send(MsgDone{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
