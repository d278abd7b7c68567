package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/siptty/siptty/internal/phone/account"
	"github.com/siptty/siptty/internal/phone/call"
	"github.com/siptty/siptty/internal/phone/events"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrNoCall         = errors.New("no matching call")
)

// Phone is the part of the session coordinator the prompt drives.
type Phone interface {
	Dial(accountID, uri string, headers map[string]string) (int, error)
	Answer(callID, code int) error
	Reject(callID, code int) error
	Hangup(callID int) error
	Hold(callID int) error
	Resume(callID int) error
	SendDTMF(callID int, digits string) error
	Transfer(callID int, target string) error
	PlayFile(callID int, path string) error
	Accounts() []account.Snapshot
	Calls() []call.Snapshot
}

// errQuit is returned by the quit command.
var errQuit = errors.New("quit")

const help = "dial <acct> <uri> | answer [id] | reject [id] | hangup [id] | hold [id] | resume [id] | " +
	"dtmf <id> <digits> | transfer <id> <uri> | play <id> <file> | quit"

// execute runs one prompt line against p and returns a status message.
func execute(p Phone, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit", "q":
		return "", errQuit

	case "help", "?":
		return help, nil

	case "dial", "call":
		acct, uri, err := dialArgs(p, args)
		if err != nil {
			return "", err
		}
		id, err := p.Dial(acct, uri, nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: dialing %s from %s", id, uri, acct), nil

	case "answer", "a":
		id, err := callArg(p, args, events.CallIncoming, events.CallEarly)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: answered", id), p.Answer(id, 0)

	case "reject":
		id, err := callArg(p, args, events.CallIncoming, events.CallEarly)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: rejected", id), p.Reject(id, 0)

	case "hangup", "h":
		id, err := callArg(p, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: hanging up", id), p.Hangup(id)

	case "hold":
		id, err := callArg(p, args, events.CallConfirmed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: on hold", id), p.Hold(id)

	case "resume", "unhold":
		id, err := callArg(p, args, events.CallConfirmed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("call %d: resuming", id), p.Resume(id)

	case "dtmf":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: dtmf <id> <digits>", ErrUsage)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("%w: dtmf <id> <digits>", ErrUsage)
		}
		return fmt.Sprintf("call %d: sent %s", id, args[1]), p.SendDTMF(id, args[1])

	case "transfer", "xfer":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: transfer <id> <uri>", ErrUsage)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("%w: transfer <id> <uri>", ErrUsage)
		}
		return fmt.Sprintf("call %d: transferring to %s", id, args[1]), p.Transfer(id, args[1])

	case "play":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: play <id> <file>", ErrUsage)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("%w: play <id> <file>", ErrUsage)
		}
		return fmt.Sprintf("call %d: playing %s", id, args[1]), p.PlayFile(id, args[1])
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

// dialArgs accepts "<acct> <uri>", or just "<uri>" when one account exists.
func dialArgs(p Phone, args []string) (string, string, error) {
	switch len(args) {
	case 2:
		return args[0], args[1], nil
	case 1:
		accts := p.Accounts()
		if len(accts) == 1 {
			return accts[0].ID, args[0], nil
		}
	}
	return "", "", fmt.Errorf("%w: dial <acct> <uri>", ErrUsage)
}

// callArg parses an explicit call id, or picks the newest call in one of the
// given states (any live call when none are given).
func callArg(p Phone, args []string, states ...events.CallStatus) (int, error) {
	if len(args) > 0 {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("%w: invalid call id %q", ErrUsage, args[0])
		}
		return id, nil
	}

	calls := p.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		if c.State.Terminal() {
			continue
		}
		if len(states) == 0 {
			return c.ID, nil
		}
		for _, s := range states {
			if c.State == s {
				return c.ID, nil
			}
		}
	}
	return 0, ErrNoCall
}
