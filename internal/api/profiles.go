package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/document"
	"github.com/kalambet/campusconnect/internal/profile"
)

// maxDocumentBodySize leaves room for base64 overhead on a MaxBytes file.
const maxDocumentBodySize = document.MaxBytes/3*4 + maxRequestBodySize

// ProfileResponse is the body returned by POST /v1/profiles.
type ProfileResponse struct {
	DocID     string        `json:"docId"`
	Email     string        `json:"email"`
	Created   bool          `json:"created"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Profile   profile.Value `json:"profile"`
}

type createProfileRequest struct {
	Email string `json:"email"`
}

type mergeRequest struct {
	CandidatePatch profile.Value `json:"candidatePatch"`
}

// DocumentRequest is the body of POST /v1/profiles/{email}/documents.
type DocumentRequest struct {
	FileName       string        `json:"fileName"`
	ContentBase64  string        `json:"contentBase64"`
	CandidatePatch profile.Value `json:"candidatePatch"`
}

func handleCreateProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProfileRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		doc, created, err := deps.Profiles.Create(r.Context(), req.Email)
		if err != nil {
			writeError(w, "create profile", err)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		writeJSON(w, code, ProfileResponse{
			DocID:     doc.ID,
			Email:     doc.Email,
			Created:   created,
			Version:   doc.Version,
			CreatedAt: doc.CreatedAt,
			UpdatedAt: doc.UpdatedAt,
			Profile:   doc.Data,
		})
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Profiles.View(r.Context(), chi.URLParam(r, "email"))
		if err != nil {
			writeError(w, "get profile", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleMergeProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mergeRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		out, err := deps.Profiles.Merge(r.Context(), chi.URLParam(r, "email"), req.CandidatePatch)
		if err != nil {
			writeError(w, "merge profile", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}
		candidate, err := documentPatch(req.FileName, data, req.CandidatePatch)
		if err != nil {
			writeError(w, "extract document", err)
			return
		}
		out, err := deps.Profiles.Merge(r.Context(), chi.URLParam(r, "email"), candidate)
		if err != nil {
			writeError(w, "merge document", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// documentPatch extracts text from an uploaded file and folds it into the
// caller's patch as resumeExtracted.rawText. A null patch starts empty.
func documentPatch(name string, data []byte, patch profile.Value) (profile.Value, error) {
	if name == "" {
		return profile.Value{}, apperr.Validation("fileName is required")
	}
	text, err := document.ExtractText(name, data)
	if err != nil {
		return profile.Value{}, err
	}

	var m *profile.Map
	switch {
	case patch.IsNull():
		m = profile.NewMap()
	case patch.IsMap():
		m, _ = patch.Clone().AsMap()
	default:
		return profile.Value{}, apperr.Validation("candidatePatch must be an object, got %s", patch.Kind())
	}
	m.SetPath([]string{"resumeExtracted", "rawText"}, profile.String(text))
	return profile.Object(m), nil
}
