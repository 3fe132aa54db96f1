package server

import (
	"errors"
	"net/http"
	"strings"

	"cryptobazaar/services/marketplace/models"
	"cryptobazaar/services/marketplace/reconciler"
)

type profileView struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address   string `json:"address"`
	Age       int    `json:"age"`
	PAN       string `json:"pan"`
	Complete  bool   `json:"complete"`
}

func newProfileView(p *models.UserProfile) profileView {
	return profileView{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Address:   p.Address,
		Age:       p.Age,
		PAN:       p.PAN,
		Complete:  p.Complete(),
	}
}

// GetProfile returns the caller's onboarding profile.
func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	profile, err := s.profiles.Profile(r.Context(), actor.Subject)
	if errors.Is(err, reconciler.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "profile not found")
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileView(profile))
}

// PutProfile creates or replaces the caller's onboarding profile.
func (s *Server) PutProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Address   string `json:"address"`
		Age       int    `json:"age"`
		PAN       string `json:"pan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Age < 0 || req.Age > 150 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "age out of range")
		return
	}
	if len(strings.TrimSpace(req.PAN)) > 16 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "pan too long")
		return
	}
	profile, err := s.profiles.Upsert(r.Context(), &models.UserProfile{
		Subject:   actor.Subject,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Address:   req.Address,
		Age:       req.Age,
		PAN:       req.PAN,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileView(profile))
}
