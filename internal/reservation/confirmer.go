// SPDX-License-Identifier: Apache-2.0

package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/projection"
)

// EventTypeConfirmationRequested tags events whose payload is a JSON Claim.
const EventTypeConfirmationRequested = "ReservationConfirmationRequested"

// Claim names the reservation an event settles. Scope, when set, overrides
// the projector's scope.
type Claim struct {
	Scope      string `json:"scope,omitempty"`
	Value      string `json:"value"`
	OwnerToken string `json:"owner_token"`
}

// ExtractFunc reads the claim carried by an event. ok=false skips the event.
type ExtractFunc func(ev domain.Event) (claim Claim, ok bool)

// ConfirmOn returns a projector that confirms the reservation named by each
// matching event, e.g. confirming a user name once the user-created event
// has been written. A claim that can no longer be confirmed, or that names
// no scope, is logged and skipped; store failures park the projector.
func ConfirmOn(name string, svc *Service, scope string, eventTypes []string, extract ExtractFunc) projection.Projector {
	return projection.New(name, func(ctx context.Context, ev domain.Event) error {
		claim, ok := extract(ev)
		if !ok {
			return nil
		}

		target := scope
		if claim.Scope != "" {
			target = claim.Scope
		}

		confirmed, err := svc.Confirm(ctx, claim.Value, target, claim.OwnerToken)
		if errors.Is(err, domain.ErrInvalidArgument) {
			svc.logger.Warn("reservation claim rejected",
				logging.Projector(name),
				logging.EventID(ev.ID),
				logging.Scope(target),
				"value", claim.Value,
				logging.Error(err),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("confirm %q in %q: %w", claim.Value, target, err)
		}
		if !confirmed {
			svc.logger.Warn("reservation not confirmed",
				logging.Projector(name),
				logging.EventID(ev.ID),
				logging.Scope(target),
				"value", claim.Value,
			)
		}
		return nil
	}, eventTypes...)
}

// JSONClaim reads a Claim from the event payload. Events without a value or
// owner token are skipped.
func JSONClaim(ev domain.Event) (Claim, bool) {
	var c Claim
	if len(ev.Payload) == 0 || json.Unmarshal(ev.Payload, &c) != nil {
		return Claim{}, false
	}
	if c.Value == "" || c.OwnerToken == "" {
		return Claim{}, false
	}
	return c, true
}
