package phone

import (
	"errors"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/phone/account"
	"github.com/siptty/siptty/internal/phone/call"
	"github.com/siptty/siptty/internal/phone/engine"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
)

// Errors raised by the registries and the engine, collected here so callers
// only need this package to tell them apart.
var (
	ErrConfigurationInvalid = config.ErrInvalid
	ErrDuplicateAccount     = account.ErrDuplicate
	ErrUnknownAccount       = call.ErrUnknownAccount
	ErrUnknownCall          = call.ErrUnknown
	ErrInvalidDigit         = call.ErrInvalidDigit
	ErrEngineFailure        = engine.ErrFailure
	ErrEngineUnavailable    = engine.ErrUnavailable
)

// InvalidDigitError identifies the offending DTMF character.
type InvalidDigitError = call.InvalidDigitError
