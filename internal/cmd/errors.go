package cmd

import (
	"errors"
	"fmt"

	"github.com/vocdoni/gofirma/eimzo/internal/app"
	"github.com/vocdoni/gofirma/eimzo/internal/config"
	"github.com/vocdoni/gofirma/eimzo/internal/eimzo"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/net"
)

// UserFacingError pairs an error with the message shown to the user.
type UserFacingError struct {
	Underlying        error
	UserFacingMessage string
}

func (u UserFacingError) Error() string {
	if u.Underlying != nil {
		logging.S.Debug(u.Underlying.Error())
	}
	return u.UserFacingMessage
}

func (u UserFacingError) Unwrap() error {
	return u.Underlying
}

func userError(err error) error {
	if err == nil {
		return nil
	}
	return UserFacingError{Underlying: err, UserFacingMessage: FriendlyError(err)}
}

// FriendlyError returns a user-facing message for signing failures.
func FriendlyError(err error) string {
	switch {
	case errors.Is(err, net.ErrTimeout):
		return "The E-Imzo service did not respond in time. Make sure it is running and try again."
	case errors.Is(err, net.ErrUnavailable):
		return "Could not reach the E-Imzo service. Make sure it is installed and running."
	case errors.Is(err, eimzo.ErrAPIKeyRejected):
		return "The E-Imzo service rejected the API key for this host."
	case errors.Is(err, config.ErrMissingAPIKey):
		return "No API key is configured for this host. Set api-keys in the config file or EIMZO_API_KEYS."
	case errors.Is(err, eimzo.ErrListDisks):
		return "The E-Imzo service could not list its key stores."
	case errors.Is(err, eimzo.ErrLoadKey):
		return "The key could not be opened. Check the password or that the token is plugged in."
	case errors.Is(err, eimzo.ErrSign):
		return "The E-Imzo service failed to sign."
	case errors.Is(err, ErrCertificateNotFound):
		return fmt.Sprintf("%v. Run 'eimzo certs' to list valid certificates.", err)
	case errors.Is(err, app.ErrDisposed):
		return "The signing session was closed."
	default:
		return fmt.Sprintf("Signing failed: %v", err)
	}
}
