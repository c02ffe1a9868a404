package services

import (
	"time"

	"github.com/charlesng35/activator/internal/models"
)

// OutcomeKind enumerates the results of presenting an activation token.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeAlreadyActivated
	OutcomeExpired
	OutcomeBlocked
	OutcomeInvalid
)

// String returns the wire name of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyActivated:
		return "already_activated"
	case OutcomeExpired:
		return "expired"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Outcome is the result of Activate. Token is set only for OutcomeExpired and
// RetryAfter only for OutcomeBlocked.
type Outcome struct {
	Kind       OutcomeKind
	Token      *models.ActivationToken
	RetryAfter time.Time
}

func (o Outcome) String() string {
	return o.Kind.String()
}

func successOutcome() Outcome { return Outcome{Kind: OutcomeSuccess} }

func alreadyActivatedOutcome() Outcome { return Outcome{Kind: OutcomeAlreadyActivated} }

func invalidOutcome() Outcome { return Outcome{Kind: OutcomeInvalid} }

func expiredOutcome(token *models.ActivationToken) Outcome {
	return Outcome{Kind: OutcomeExpired, Token: token}
}

func blockedOutcome(retryAfter time.Time) Outcome {
	return Outcome{Kind: OutcomeBlocked, RetryAfter: retryAfter}
}
