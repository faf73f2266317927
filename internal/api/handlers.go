package api

import (
	"encoding/json"
	"net/http"

	"github.com/registrar-challenger/internal/core"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// JsonResult is the envelope every client-facing response uses, over HTTP
// and over the websocket alike.
type JsonResult struct {
	Type    string      `json:"type"`
	Message interface{} `json:"message"`
}

func okResult(message interface{}) JsonResult {
	return JsonResult{Type: "ok", Message: message}
}

func errResult(message string) JsonResult {
	return JsonResult{Type: "err", Message: message}
}

// DisplayNameOutcome is the check_display_name verdict. A clean candidate
// carries no value; a rejected one lists the conflicting names.
type DisplayNameOutcome struct {
	Type  string                    `json:"type"`
	Value []models.DisplayNameEntry `json:"value,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps error categories onto HTTP statuses. Anything
// uncategorized is an internal error and stays vague for the client.
func respondError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	switch catErr.Category {
	case apperrors.CategoryNotFound:
		respondJSON(w, http.StatusNotFound, errResult(catErr.Message))
	case apperrors.CategoryBadRequest:
		respondJSON(w, http.StatusBadRequest, errResult(catErr.Message))
	case apperrors.CategoryUnauthorized:
		respondJSON(w, http.StatusForbidden, errResult(catErr.Message))
	default:
		respondJSON(w, http.StatusInternalServerError, errResult("something went wrong, contact admin"))
	}
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, okResult("live"))
}

type checkDisplayNameRequest struct {
	Check string `json:"check"`
	Chain string `json:"chain"`
}

func (s *Server) handleCheckDisplayName(w http.ResponseWriter, r *http.Request) {
	var req checkDisplayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errResult("invalid request body"))
		return
	}
	chain, ok := types.ParseChainName(req.Chain)
	if !ok {
		respondJSON(w, http.StatusBadRequest, errResult("unknown chain: "+req.Chain))
		return
	}
	if req.Check == "" {
		respondJSON(w, http.StatusBadRequest, errResult("no display name to check"))
		return
	}

	violations, err := s.source.CheckDisplayName(r.Context(), chain, req.Check)
	if err != nil {
		s.log.WithError(err).Error("Display name check failed")
		respondError(w, err)
		return
	}

	outcome := DisplayNameOutcome{Type: "ok"}
	if len(violations) > 0 {
		outcome = DisplayNameOutcome{Type: "violations", Value: violations}
	}
	respondJSON(w, http.StatusOK, okResult(outcome))
}

type secondChallengeRequest struct {
	Entry struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"entry"`
	Challenge string `json:"challenge"`
}

func (s *Server) handleVerifySecondChallenge(w http.ResponseWriter, r *http.Request) {
	var req secondChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errResult("invalid request body"))
		return
	}
	if req.Entry.Type != string(types.KindEmail) {
		respondJSON(w, http.StatusBadRequest, errResult("second challenges only exist for email fields"))
		return
	}

	verified, err := s.source.VerifySecondChallenge(r.Context(), core.SecondChallengeSubmission{
		FieldValue: req.Entry.Value,
		Challenge:  req.Challenge,
	})
	if err != nil {
		if apperrors.Categorize(err).Category == apperrors.CategoryNotFound {
			// No field is awaiting this challenge; report a plain failure
			// rather than leaking which addresses exist.
			respondJSON(w, http.StatusOK, okResult(false))
			return
		}
		s.log.WithError(err).Error("Second challenge verification failed")
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResult(verified))
}
