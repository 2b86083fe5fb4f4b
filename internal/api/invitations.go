package api

import (
	"errors"
	"net/http"
	"strconv"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
	"classroom-provisioner/internal/provision"
)

type invitationResponse struct {
	Key        string `json:"key"`
	Assignment string `json:"assignment"`
	Status     string `json:"status"`
}

type setupResponse struct {
	Status      string `json:"status"`
	ProgressURL string `json:"progress_url"`
	CreateURL   string `json:"create_repo_url"`
}

type successResponse struct {
	Status   string `json:"status"`
	FullName string `json:"full_name"`
	RepoURL  string `json:"repo_url"`
}

type progressResponse struct {
	Status string `json:"status"`
}

type rosterResponse struct {
	Entries []rosterEntry `json:"entries"`
	Flash   string        `json:"flash,omitempty"`
}

type rosterEntry struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
}

// show renders the invitation and records that the student has seen it.
// GET /exercise-invitations/{key}
func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, user := invitationFrom(ctx), userFrom(ctx)

	if inv.Assignment.RosterID.Valid {
		onRoster, err := h.store.IsUserOnRoster(ctx, inv.Assignment.RosterID.Int64, user.ID)
		if err != nil {
			h.respondWithServiceError(w, r, err)
			return
		}
		if !onRoster {
			redirect(w, r, inv, "join_roster")
			return
		}
	}

	state, err := h.store.EnsureStatus(ctx, model.StatusKey{InvitationID: inv.ID, UserID: user.ID})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invitationResponse{
		Key:        inv.Key,
		Assignment: inv.Assignment.Title,
		Status:     state.String(),
	})
}

// accept redeems the invitation.
// PATCH /exercise-invitations/{key}/accept
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, user := invitationFrom(ctx), userFrom(ctx)

	res, err := h.svc.Redeem(ctx, inv, user)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	switch res.Outcome {
	case provision.OutcomeSuccess:
		redirect(w, r, inv, "success")
	case provision.OutcomePending:
		if res.Status == model.StateCompleted {
			redirect(w, r, inv, "success")
			return
		}
		redirect(w, r, inv, "setupv2")
	default:
		redirect(w, r, inv, "")
	}
}

// createRepo starts background provisioning.
// POST /exercise-invitations/{key}/create_repo
func (h *Handler) createRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.svc.StartProvisioning(ctx, invitationFrom(ctx), userFrom(ctx))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// setup is the page the student waits on while the repository is built.
// GET /exercise-invitations/{key}/setupv2
func (h *Handler) setup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, user := invitationFrom(ctx), userFrom(ctx)

	if !h.flags.ResiliencyEnabled(ctx, user) {
		h.respondWithServiceError(w, r, custom_errors.ErrFeatureDisabled)
		return
	}

	state, err := h.svc.GetProgress(ctx, inv, user)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	switch state {
	case model.StateCompleted:
		redirect(w, r, inv, "success")
		return
	case model.StateUnaccepted:
		redirect(w, r, inv, "")
		return
	}

	respondWithJSON(w, http.StatusOK, setupResponse{
		Status:      state.String(),
		ProgressURL: invitationPath(inv, "progress"),
		CreateURL:   invitationPath(inv, "create_repo"),
	})
}

// progress is polled by the setup page.
// GET /exercise-invitations/{key}/progress
func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := h.svc.GetProgress(ctx, invitationFrom(ctx), userFrom(ctx))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, progressResponse{Status: state.String()})
}

// success verifies the repository against GitHub and shows it.
// GET /exercise-invitations/{key}/success
func (h *Handler) success(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, user := invitationFrom(ctx), userFrom(ctx)

	state, err := h.svc.GetProgress(ctx, inv, user)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if state == model.StateUnaccepted {
		redirect(w, r, inv, "")
		return
	}

	res, err := h.svc.Reconcile(ctx, inv, user)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	switch {
	case res.RedirectSetup:
		redirect(w, r, inv, "setupv2")
	case res.Failed:
		redirect(w, r, inv, "")
	case res.Repo.ID == 0:
		if h.flags.ResiliencyEnabled(ctx, user) {
			redirect(w, r, inv, "setupv2")
			return
		}
		redirect(w, r, inv, "")
	default:
		respondWithJSON(w, http.StatusOK, successResponse{
			Status:   res.Status.String(),
			FullName: res.Repo.FullName,
			RepoURL:  res.Repo.HTMLURL,
		})
	}
}

// joinRoster lists the roster identifiers the student can claim.
// GET /exercise-invitations/{key}/join_roster
func (h *Handler) joinRoster(w http.ResponseWriter, r *http.Request) {
	inv := invitationFrom(r.Context())
	if !inv.Assignment.RosterID.Valid {
		redirect(w, r, inv, "")
		return
	}
	h.renderRoster(w, r, inv, "")
}

// bindRoster links the student to a roster entry.
// PATCH /exercise-invitations/{key}/join_roster
func (h *Handler) bindRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, user := invitationFrom(ctx), userFrom(ctx)
	if !inv.Assignment.RosterID.Valid {
		redirect(w, r, inv, "")
		return
	}

	entryID, err := strconv.ParseInt(r.FormValue("roster_entry_id"), 10, 64)
	if err == nil {
		err = h.store.BindRosterEntry(ctx, inv.Assignment.RosterID.Int64, entryID, user.ID)
	}
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) || errors.Is(err, custom_errors.ErrInvalidRosterEntry) {
			h.renderRoster(w, r, inv, "Your roster identifier could not be found. Please choose it from the list.")
			return
		}
		h.respondWithServiceError(w, r, err)
		return
	}

	h.logger.Info("Student joined roster", "invitation", inv.Key, "user_id", user.ID, "roster_entry_id", entryID)
	redirect(w, r, inv, "")
}

func (h *Handler) renderRoster(w http.ResponseWriter, r *http.Request, inv model.Invitation, flash string) {
	entries, err := h.store.ListUnboundRosterEntries(r.Context(), inv.Assignment.RosterID.Int64)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := rosterResponse{Entries: make([]rosterEntry, 0, len(entries)), Flash: flash}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, rosterEntry{ID: e.ID, Identifier: e.Identifier})
	}
	respondWithJSON(w, http.StatusOK, resp)
}
