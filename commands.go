package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-authgate/campus-cli/apiclient"
	"github.com/go-authgate/campus-cli/broker"
	"github.com/go-authgate/campus-cli/session"
	"github.com/go-authgate/campus-cli/tui"
)

// tokenPreviewLen is how much of the access token status shows.
const tokenPreviewLen = 20

// errSessionExpired is reported when a call failed with 401 and the session
// could not be refreshed.
var errSessionExpired = errors.New("session expired, run: campus login -email <email>")

// runCommand dispatches args[0].
func (a *app) runCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx)
	case "whoami":
		return a.call(ctx, apiclient.ServiceProfile, http.MethodGet, "/v1/profile/me", nil)
	case "status":
		return a.status(ctx)
	case "get", "delete":
		if len(rest) != 2 {
			return fmt.Errorf("%w: %s <service> <path>", errUsage, cmd)
		}
		return a.call(ctx, rest[0], strings.ToUpper(cmd), rest[1], nil)
	case "post":
		if len(rest) < 2 || len(rest) > 3 {
			return fmt.Errorf("%w: post <service> <path> [json]", errUsage)
		}
		var body any
		if len(rest) == 3 {
			if !json.Valid([]byte(rest[2])) {
				return errors.New("request body is not valid JSON")
			}
			body = json.RawMessage(rest[2])
		}
		return a.call(ctx, rest[0], http.MethodPost, rest[1], body)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (or CAMPUS_PASSWORD env)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: login: %v", errUsage, err)
	}
	if *email == "" {
		return fmt.Errorf("%w: login -email <email> [-password <password>]", errUsage)
	}
	pw := *password
	if pw == "" {
		pw = a.getenv("CAMPUS_PASSWORD")
	}
	if pw == "" {
		return errors.New("password not set: use -password or CAMPUS_PASSWORD")
	}

	a.d.LoggingIn(*email)
	if _, err := a.broker.Login(ctx, *email, pw); err != nil {
		return err
	}
	a.d.LoginOK()
	a.d.SessionSaved(a.location)

	sess, err := a.broker.Session(ctx)
	if err != nil {
		return err
	}
	a.d.Done(summarize("Signed in", sess))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if _, err := a.broker.Session(ctx); err != nil {
		if errors.Is(err, broker.ErrNoSession) {
			a.d.SessionNotFound()
			return nil
		}
		return err
	}
	if err := a.broker.Logout(ctx); err != nil {
		return err
	}
	a.d.LoggedOut()
	a.d.Done(tui.Summary{Title: "Signed out"})
	return nil
}

func (a *app) status(ctx context.Context) error {
	sess, err := a.broker.Session(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrNoSession) {
			a.d.SessionNotFound()
		}
		return err
	}
	a.d.SessionFound()
	a.d.Done(summarize("Signed in", sess))
	return nil
}

// call sends one request through the named service's client and prints the
// JSON response to stdout.
func (a *app) call(ctx context.Context, service, method, path string, body any) error {
	c, ok := a.services.ByName(service)
	if !ok {
		return fmt.Errorf("unknown service %q (want one of %s)",
			service, strings.Join(apiclient.ServiceNames(), ", "))
	}

	a.d.Calling(service, method, path)
	var out json.RawMessage
	if err := c.DoJSON(ctx, method, path, body, &out); err != nil {
		a.d.APICallFailed(err)
		if errors.Is(err, apiclient.ErrUnauthorized) {
			if _, sessErr := a.broker.Session(ctx); errors.Is(sessErr, broker.ErrNoSession) {
				return fmt.Errorf("%w: %v", errSessionExpired, err)
			}
		}
		return err
	}
	a.d.APICallOK(service)

	if err := printJSON(a.stdout, out); err != nil {
		return err
	}
	a.d.Done(tui.Summary{Title: fmt.Sprintf("%s %s %s", method, service, path)})
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func summarize(title string, sess *session.Session) tui.Summary {
	info := sess.Info()
	s := tui.Summary{
		Title:        title,
		Name:         info.Name,
		Email:        info.Email,
		Role:         info.Role,
		TokenPreview: sess.AccessToken,
	}
	if len(s.TokenPreview) > tokenPreviewLen {
		s.TokenPreview = s.TokenPreview[:tokenPreviewLen]
	}
	if !sess.Expiry.IsZero() {
		s.ExpiresIn = time.Until(sess.Expiry).Round(time.Second)
		if s.ExpiresIn == 0 {
			s.ExpiresIn = -time.Second
		}
	}
	return s
}
