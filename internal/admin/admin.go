// Package admin parses and executes moderator commands received over Matrix.
// Only senders on the configured allow-list may run commands; an empty list
// rejects everyone.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/registrar-challenger/internal/core"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// CommandKind is the verb of a moderator command
type CommandKind string

const (
	// CommandStatus dumps the verification state of an address
	CommandStatus CommandKind = "status"
	// CommandVerify manually verifies fields of an address
	CommandVerify CommandKind = "verify"
	// CommandHelp prints the usage text
	CommandHelp CommandKind = "help"
)

// Command is one parsed moderator instruction
type Command struct {
	Kind    CommandKind
	Address string
	Fields  []types.FieldKind
	All     bool
}

// HelpText is the reply to the help command
const HelpText = "Commands:\n" +
	"  status <address>            show the verification state of an address\n" +
	"  verify <address> <field>... manually verify fields (or 'all')\n" +
	"  help                        show this message"

// ParseCommand parses a raw message into a command. The verb is matched
// case-insensitively; field names tolerate dashes and underscores.
func ParseCommand(input string) (*Command, error) {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return nil, apperrors.NewBadRequestError("empty command")
	}

	switch strings.ToLower(parts[0]) {
	case "help":
		return &Command{Kind: CommandHelp}, nil

	case "status":
		if len(parts) != 2 {
			return nil, apperrors.NewBadRequestError("usage: status <address>")
		}
		return &Command{Kind: CommandStatus, Address: parts[1]}, nil

	case "verify":
		if len(parts) < 3 {
			return nil, apperrors.NewBadRequestError("usage: verify <address> <field>...")
		}
		cmd := &Command{Kind: CommandVerify, Address: parts[1]}
		for _, raw := range parts[2:] {
			if strings.EqualFold(raw, "all") {
				cmd.All = true
				continue
			}
			kind, ok := ParseFieldName(raw)
			if !ok {
				return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown field name %q", raw))
			}
			cmd.Fields = append(cmd.Fields, kind)
		}
		return cmd, nil

	default:
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown command %q", parts[0]))
	}
}

// ParseFieldName resolves a moderator-typed field name. Dashes, underscores
// and case are ignored, so "display-name", "Display_Name" and "displayname"
// all resolve to the display name field.
func ParseFieldName(s string) (types.FieldKind, bool) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(s)))
	switch normalized {
	case "legalname":
		return types.KindLegalName, true
	case "displayname":
		return types.KindDisplayName, true
	case "email":
		return types.KindEmail, true
	case "web":
		return types.KindWeb, true
	case "twitter":
		return types.KindTwitter, true
	case "matrix":
		return types.KindMatrix, true
	case "pgpfingerprint":
		return types.KindPGPFingerprint, true
	case "image":
		return types.KindImage, true
	case "additional":
		return types.KindAdditional, true
	default:
		return "", false
	}
}

// Registrar is the slice of the verifier the moderator interface needs
type Registrar interface {
	Status(ctx context.Context, address string) ([]*core.StateFrame, error)
	ManuallyVerify(ctx context.Context, cmd core.ManualVerify) ([]*models.Identity, error)
}

// Service authorizes and executes moderator commands
type Service struct {
	registrar Registrar
	admins    map[string]bool
	log       *logging.Logger
}

// NewService creates the moderator command service. admins is the list of
// MXIDs allowed to run commands.
func NewService(registrar Registrar, admins []string) *Service {
	allowed := make(map[string]bool, len(admins))
	for _, admin := range admins {
		allowed[admin] = true
	}
	return &Service{
		registrar: registrar,
		admins:    allowed,
		log:       logging.GetGlobalLogger().WithField("component", "admin"),
	}
}

// Execute runs a raw command from sender and returns the reply text. Parse
// and lookup failures are rendered as reply text rather than errors so the
// moderator sees what went wrong; an unauthorized sender gets an error and
// no reply.
func (s *Service) Execute(ctx context.Context, sender, input string) (string, error) {
	if !s.admins[sender] {
		return "", apperrors.NewUnauthorizedError(fmt.Sprintf("sender %s is not a moderator", sender))
	}

	cmd, err := ParseCommand(input)
	if err != nil {
		return fmt.Sprintf("%s\n\n%s", err.Error(), HelpText), nil
	}

	s.log.WithFields(map[string]interface{}{
		"sender":  sender,
		"command": cmd.Kind,
		"address": cmd.Address,
	}).Info("Executing moderator command")

	switch cmd.Kind {
	case CommandHelp:
		return HelpText, nil

	case CommandStatus:
		frames, err := s.registrar.Status(ctx, cmd.Address)
		if apperrors.IsNotFound(err) {
			return fmt.Sprintf("no pending judgement request for %s", cmd.Address), nil
		}
		if err != nil {
			return "", err
		}
		return renderStatus(frames), nil

	case CommandVerify:
		updated, err := s.registrar.ManuallyVerify(ctx, core.ManualVerify{
			Address: cmd.Address,
			Fields:  cmd.Fields,
			All:     cmd.All,
		})
		if apperrors.IsNotFound(err) {
			return fmt.Sprintf("no pending judgement request for %s", cmd.Address), nil
		}
		if err != nil {
			if catErr := apperrors.Categorize(err); catErr != nil && catErr.Category == apperrors.CategoryBadRequest {
				return catErr.Message, nil
			}
			return "", err
		}
		return renderVerified(cmd, updated), nil

	default:
		return HelpText, nil
	}
}

// renderStatus dumps the full state of every matching identity, including
// challenge and attempt details.
func renderStatus(frames []*core.StateFrame) string {
	out, err := json.MarshalIndent(frames, "", "  ")
	if err != nil {
		return "failed to render status"
	}
	return string(out)
}

func renderVerified(cmd *Command, updated []*models.Identity) string {
	if cmd.All {
		return fmt.Sprintf("fully verified %s (%d identity/ies)", cmd.Address, len(updated))
	}
	names := make([]string, 0, len(cmd.Fields))
	for _, kind := range cmd.Fields {
		names = append(names, string(kind))
	}
	return fmt.Sprintf("verified %s for %s", strings.Join(names, ", "), cmd.Address)
}
