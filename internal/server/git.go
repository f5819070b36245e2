package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/source"
)

// handleGitCreate upserts a stored VCS credential. A token equal to the
// mask keeps the stored one; the store enforces that rule.
func (s *Server) handleGitCreate(w http.ResponseWriter, r *http.Request) {
	var cred model.GitCredential
	if err := decode(r, &cred); err != nil {
		s.fail(w, err)
		return
	}
	if cred.Name == "" || cred.BaseURL == "" || cred.Username == "" {
		s.fail(w, apperrors.Ef(apperrors.KindBadRequest, "name, url, and username are required"))
		return
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
		cred.CreatedBy = userID(r)
		cred.CreatedOn = time.Now().UTC()
	}
	if err := s.Store.UpsertGitCredential(r.Context(), &cred); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "git credential saved", map[string]string{"git_target_id": cred.ID})
}

func (s *Server) handleGitList(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Store.GitCredentials(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	masked := make([]*model.GitCredential, 0, len(creds))
	for _, c := range creds {
		out := *c
		if c.AccessToken != "" {
			out.AccessToken = model.TokenMask
		}
		masked = append(masked, &out)
	}
	s.ok(w, "", masked)
}

func (s *Server) handleGitDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"git_target_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Store.DeleteGitCredential(r.Context(), req.TargetID); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "git credential deleted", nil)
}

// handleGitValidation runs the standalone credential check against the
// provider's identity endpoint.
func (s *Server) handleGitValidation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"git_username"`
		AccessToken string `json:"git_access_token"`
		URL         string `json:"git_common_url"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if err := source.ValidateCredentials(r.Context(), client,
		req.Username, req.AccessToken, req.URL, s.VCSOverrides); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "credentials verified", nil)
}
