package tui

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a stored session was found.
type MsgSessionFound struct{}

// MsgSessionNotFound signals that no session is stored.
type MsgSessionNotFound struct{}

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals that the auth service accepted the credentials.
type MsgLoginOK struct{}

// MsgSessionSaved signals that the session was persisted.
type MsgSessionSaved struct{ Location string }

// MsgLoggedOut signals that the user signed out on request.
type MsgLoggedOut struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgSignedOut signals that the session was cleared.
type MsgSignedOut struct{}

// MsgCalling signals that a service call started.
type MsgCalling struct {
	Service string
	Method  string
	Path    string
}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Service string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgAccessTokenRejected signals that a service rejected the access token (401).
type MsgAccessTokenRejected struct{ Service string }

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{ Service string }

// MsgDone signals successful completion of a command.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
