package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/registrar-challenger/internal/challenge"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

// reconcile merges a watcher announcement into the stored identity. Fields
// whose value is unchanged keep their state and challenge; changed or new
// fields get a fresh challenge; removed fields are dropped. An announcement
// identical to the stored state is a no-op, so the watcher's periodic
// pending-judgement resync never generates spurious notifications.
func (v *Verifier) reconcile(ctx context.Context, ann WatcherAnnounce) error {
	id := ann.Context
	now := time.Now().UTC()
	existing, err := v.refresh(ctx, id)
	if err != nil {
		return err
	}

	var (
		identity *models.Identity
		events   []*models.Event
		changed  bool
	)

	switch {
	case existing == nil || existing.JudgementSubmitted:
		// First announcement, or a new request for an address that was
		// already judged. Either way the old state is irrelevant.
		identity = &models.Identity{
			Context:     id,
			IdentityHex: ann.IdentityHex,
			InsertedAt:  now,
		}
		if existing != nil {
			identity.ID = existing.ID
			identity.Revision = existing.Revision + 1
		}
		for _, af := range ann.Fields {
			field, err := newField(af.Kind, af.Value)
			if err != nil {
				return err
			}
			identity.Fields = append(identity.Fields, field)
		}
		events = append(events, models.NewEvent(id, types.EventIdentityInserted, models.EventPayload{}))
		changed = true

	default:
		identity = existing.Clone()
		identity.IdentityHex = ann.IdentityHex

		var fieldsChanged bool
		kept := make([]*models.Field, 0, len(ann.Fields))
		for _, af := range ann.Fields {
			value := normalizeValue(af.Kind, af.Value)
			if cur := identity.FieldByKind(af.Kind); cur != nil && cur.Value == value {
				kept = append(kept, cur)
				continue
			}
			field, err := newField(af.Kind, af.Value)
			if err != nil {
				return err
			}
			kept = append(kept, field)
			fieldsChanged = true
		}
		if len(kept) != len(identity.Fields) {
			fieldsChanged = true
		}
		identity.Fields = kept

		if fieldsChanged {
			identity.Revision++
			// Dropping the last pending field can complete the identity;
			// adding one can demote it.
			identity.IsFullyVerified = false
			events = append(events, models.NewEvent(id, types.EventIdentityUpdated, models.EventPayload{}))
			changed = true
		} else if identity.IdentityHex != existing.IdentityHex {
			// The on-chain info hash moved without any declared field
			// changing. Persist it so the emitter never submits a stale
			// checksum after the watcher rejected one.
			identity.Revision++
			changed = true
		}
	}

	// The display name is checked against the on-chain index rather than
	// challenged. A pending name is re-checked on every announcement, so a
	// name that failed earlier can pass once the conflicting entry is gone.
	if field := identity.FieldByKind(types.KindDisplayName); field != nil && field.Status == types.StatusPending {
		index, err := v.store.VerifiedDisplayNames(ctx, id.Chain)
		if err != nil {
			return fmt.Errorf("failed to load display name index: %w", err)
		}
		violations := v.checker.Check(field.Value, id.Address, index)
		if len(violations) == 0 {
			field.Status = types.StatusVerified
			field.VerifiedAt = &now
			events = append(events, models.NewEvent(id, types.EventFieldVerified, models.EventPayload{
				Field: types.KindDisplayName,
				Value: field.Value,
			}))
			changed = true
		} else if changed {
			events = append(events, models.NewEvent(id, types.EventFieldVerificationFailed, models.EventPayload{
				Field:      types.KindDisplayName,
				Value:      field.Value,
				Violations: violations,
			}))
		}
	}

	if !changed {
		// The resync replay may be the first time this process sees a
		// verification another process committed; re-check judgement
		// eligibility even though nothing needs persisting.
		v.enqueueJudgements([]*models.Identity{identity})
		return nil
	}

	events = finishVerification(identity, events)

	change := &storage.Change{
		SaveIdentities: []*models.Identity{identity},
		Events:         events,
	}
	if name, ok := identity.DisplayName(); ok {
		// Announced names join the similarity index immediately; they are
		// active on chain whether or not the check passed.
		change.UpsertDisplayNames = []models.DisplayNameEntry{{Context: id, DisplayName: name}}
	} else if existing != nil {
		if _, had := existing.DisplayName(); had {
			change.DeleteDisplayName = &id
		}
	}

	if err := v.commit(ctx, change); err != nil {
		return err
	}
	v.enqueueJudgements([]*models.Identity{identity})

	v.log.WithFields(map[string]interface{}{
		"chain":    id.Chain,
		"address":  id.Address,
		"fields":   len(identity.Fields),
		"revision": identity.Revision,
	}).Info("Identity reconciled")
	return nil
}

// newField builds a pending field with its challenge for the declared value
func newField(kind types.FieldKind, value string) (*models.Field, error) {
	field := &models.Field{
		Kind:      kind,
		Value:     normalizeValue(kind, value),
		Status:    types.StatusPending,
		Challenge: models.Challenge{Kind: types.ChallengeKindFor(kind)},
	}

	switch field.Challenge.Kind {
	case types.ChallengeExpectedMessage:
		token, err := challenge.NewToken()
		if err != nil {
			return nil, err
		}
		field.Challenge.Token = token
	case types.ChallengeExpectedMessageWithSecond:
		token, err := challenge.NewToken()
		if err != nil {
			return nil, err
		}
		second, err := challenge.NewToken()
		if err != nil {
			return nil, err
		}
		field.Challenge.Token = token
		field.Challenge.SecondToken = second
	case types.ChallengeUnsupported:
		// Only a moderator can verify these.
		field.Status = types.StatusUnsupported
	}
	return field, nil
}

// normalizeValue canonicalizes a declared field value so adapter origins
// compare equal to it. Twitter handles are matched lowercase with the
// leading @.
func normalizeValue(kind types.FieldKind, value string) string {
	value = strings.TrimSpace(value)
	if kind == types.KindTwitter {
		value = strings.ToLower(value)
		if !strings.HasPrefix(value, "@") {
			value = "@" + value
		}
	}
	return value
}
