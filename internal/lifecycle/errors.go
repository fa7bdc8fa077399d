package lifecycle

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found on this counter")
	ErrInvalidTransition = errors.New("ticket state does not allow this action")
	ErrCounterBusy       = errors.New("counter already has an active ticket")
	ErrNoActiveTicket    = errors.New("no called or served ticket")
	ErrNoWaiting         = errors.New("no waiting ticket")
	ErrBusy              = errors.New("another action is in progress")
	ErrDetached          = errors.New("desk view closed")
)

// IsValidation reports whether err was raised locally, before any request.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCounterBusy),
		errors.Is(err, ErrNoActiveTicket),
		errors.Is(err, ErrNoWaiting),
		errors.Is(err, ErrBusy):
		return true
	}
	return false
}
