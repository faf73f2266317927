package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/registrar-challenger/internal/challenge"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

type secondDelivery struct {
	to    string
	token string
}

// match evaluates one inbound message against every pending field claiming
// the sender's account. Multiple identities may claim the same account; each
// is evaluated against its own token. The dedup record commits in the same
// transaction as the state it caused.
func (v *Verifier) match(ctx context.Context, msg models.ExternalMessage) error {
	kind, ok := types.FieldKindForAdapter(msg.Adapter)
	if !ok {
		return apperrors.NewBadRequestError(fmt.Sprintf("adapter %q does not carry verification messages", msg.Adapter))
	}

	processed, err := v.store.IsMessageProcessed(ctx, msg.Adapter, msg.MessageID)
	if err != nil {
		return fmt.Errorf("failed to check message dedup: %w", err)
	}
	if processed {
		v.log.WithFields(map[string]interface{}{
			"adapter":   msg.Adapter,
			"messageId": msg.MessageID,
		}).Debug("Message already processed, dropping")
		return nil
	}

	origin := normalizeValue(kind, msg.Origin)
	now := time.Now().UTC()

	var (
		saved   []*models.Identity
		events  []*models.Event
		seconds []secondDelivery
	)

	for id, cached := range v.identities {
		target := cached.FieldByKind(kind)
		if target == nil || target.Value != origin {
			continue
		}

		// Another process may have advanced this identity; mutate the
		// database state, not the cached copy.
		fresh, err := v.refresh(ctx, id)
		if err != nil {
			return err
		}
		if fresh == nil {
			continue
		}
		target = fresh.FieldByKind(kind)
		if target == nil || target.Value != origin || target.Status != types.StatusPending {
			continue
		}

		identity := fresh.Clone()
		field := identity.FieldByKind(kind)

		if challenge.Matches(field.Challenge.Token, msg.Body) {
			events = append(events, models.NewEvent(identity.Context, types.EventFieldVerified, models.EventPayload{
				Field: kind,
				Value: field.Value,
			}))
			if field.Challenge.Kind == types.ChallengeExpectedMessageWithSecond {
				field.Status = types.StatusAwaitingSecond
				events = append(events, models.NewEvent(identity.Context, types.EventAwaitingSecondChallenge, models.EventPayload{
					Field: kind,
					Value: field.Value,
				}))
				seconds = append(seconds, secondDelivery{to: field.Value, token: field.Challenge.SecondToken})
			} else {
				field.Status = types.StatusVerified
				field.VerifiedAt = &now
			}
		} else {
			// Wrong or missing token. No lockout; moderators handle abuse.
			field.FailedAttempts++
			events = append(events, models.NewEvent(identity.Context, types.EventFieldVerificationFailed, models.EventPayload{
				Field: kind,
				Value: field.Value,
			}))
		}

		events = finishVerification(identity, events)
		saved = append(saved, identity)
	}

	if len(saved) == 0 {
		v.log.WithFields(map[string]interface{}{
			"adapter": msg.Adapter,
			"origin":  msg.Origin,
		}).Info("Message matched no pending field, discarding")
		return nil
	}

	change := &storage.Change{
		SaveIdentities:   saved,
		Events:           events,
		ProcessedMessage: &msg,
	}
	if err := v.commit(ctx, change); err != nil {
		return err
	}

	v.enqueueJudgements(saved)
	for _, s := range seconds {
		v.sendSecondChallenge(s.to, s.token)
	}
	return nil
}

// EvaluateSecondChallenge matches a submitted second token against every
// email field awaiting it across the given identities. It returns updated
// clones and the events to persist with them; the inputs are not modified.
// Shared by the verifier loop and the session notifier, which serves the
// endpoint against the database directly.
func EvaluateSecondChallenge(identities []*models.Identity, sub SecondChallengeSubmission) (saved []*models.Identity, events []*models.Event, verified bool) {
	token := strings.TrimSpace(sub.Challenge)
	value := normalizeValue(types.KindEmail, sub.FieldValue)
	now := time.Now().UTC()

	for _, cached := range identities {
		target := cached.FieldByKind(types.KindEmail)
		if target == nil || target.Value != value || target.Status != types.StatusAwaitingSecond {
			continue
		}

		identity := cached.Clone()
		field := identity.FieldByKind(types.KindEmail)

		if token != "" && token == field.Challenge.SecondToken {
			field.Status = types.StatusVerified
			field.VerifiedAt = &now
			verified = true
			events = append(events, models.NewEvent(identity.Context, types.EventSecondFieldVerified, models.EventPayload{
				Field: types.KindEmail,
				Value: field.Value,
			}))
		} else {
			events = append(events, models.NewEvent(identity.Context, types.EventSecondFieldVerificationFailed, models.EventPayload{
				Field: types.KindEmail,
				Value: field.Value,
			}))
		}

		events = finishVerification(identity, events)
		saved = append(saved, identity)
	}
	return saved, events, verified
}

// verifySecond runs the second challenge evaluation over the cached view
func (v *Verifier) verifySecond(ctx context.Context, sub SecondChallengeSubmission) (bool, error) {
	identities := make([]*models.Identity, 0, len(v.identities))
	for _, identity := range v.identities {
		identities = append(identities, identity)
	}

	saved, events, verified := EvaluateSecondChallenge(identities, sub)
	if len(saved) == 0 {
		return false, apperrors.NewNotFoundError("second challenge", sub.FieldValue)
	}

	if err := v.commit(ctx, &storage.Change{SaveIdentities: saved, Events: events}); err != nil {
		return false, err
	}
	v.enqueueJudgements(saved)
	return verified, nil
}

// manuallyVerify applies a moderator override to every pending identity of
// an address. With All set the whole identity is forced verified; otherwise
// only the named fields are.
func (v *Verifier) manuallyVerify(ctx context.Context, cmd ManualVerify) ([]*models.Identity, error) {
	now := time.Now().UTC()

	var (
		saved  []*models.Identity
		events []*models.Event
	)

	for id, cached := range v.identities {
		if id.Address != cmd.Address || cached.JudgementSubmitted {
			continue
		}

		fresh, err := v.refresh(ctx, id)
		if err != nil {
			return nil, err
		}
		if fresh == nil || fresh.JudgementSubmitted {
			continue
		}

		identity := fresh.Clone()

		if cmd.All {
			for _, field := range identity.Fields {
				if field.Status.IsVerified() {
					continue
				}
				field.Status = types.StatusManuallyVerified
				field.VerifiedAt = &now
			}
			identity.IsFullyVerified = true
			events = append(events, models.NewEvent(id, types.EventFullManualVerification, models.EventPayload{}))
		} else {
			for _, kind := range cmd.Fields {
				field := identity.FieldByKind(kind)
				if field == nil {
					return nil, apperrors.NewBadRequestError(fmt.Sprintf("identity %s has no %s field", cmd.Address, kind))
				}
				if field.Status.IsVerified() {
					continue
				}
				field.Status = types.StatusManuallyVerified
				field.VerifiedAt = &now
				events = append(events, models.NewEvent(id, types.EventManuallyVerified, models.EventPayload{
					Field: kind,
					Value: field.Value,
				}))
			}
			events = finishVerification(identity, events)
		}

		saved = append(saved, identity)
	}

	if len(saved) == 0 {
		return nil, apperrors.NewNotFoundError("identity", cmd.Address)
	}

	if err := v.commit(ctx, &storage.Change{SaveIdentities: saved, Events: events}); err != nil {
		return nil, err
	}
	v.enqueueJudgements(saved)

	v.log.WithFields(map[string]interface{}{
		"address":    cmd.Address,
		"all":        cmd.All,
		"identities": len(saved),
	}).Info("Manual verification applied")
	return saved, nil
}
