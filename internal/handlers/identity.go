package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"stator/internal/machine"
	"stator/internal/models"
)

// Identity states.
const (
	IdentityOutdated = "outdated"
	IdentityFetched  = "fetched"
	IdentityUpdated  = "updated"
	IdentityErrored  = "errored"
)

// actorDocumentLimit caps the size of a fetched actor document.
const actorDocumentLimit = 1 << 20

// Identity keeps a remote actor's inbox, public key and avatar fresh.
//
//	outdated -> fetched -> updated -> (after the refresh interval) outdated
type Identity struct {
	deps Deps
}

func NewIdentity(deps Deps) *Identity {
	return &Identity{deps: deps}
}

func (h *Identity) Machine() (*machine.Machine, error) {
	cfg := h.deps.Config
	return machine.New(machine.Definition{
		Name: KindIdentity,
		States: []machine.State{
			{Name: IdentityOutdated, Initial: true},
			{Name: IdentityFetched},
			{Name: IdentityUpdated},
			{Name: IdentityErrored, Terminal: true},
		},
		Transitions: []machine.Transition{
			{Name: "fetch", From: IdentityOutdated, To: IdentityFetched, Handler: h.Fetch, MaxAttempts: cfg.FetchMaxAttempts},
			{Name: "cache_avatar", From: IdentityFetched, To: IdentityUpdated, Handler: h.CacheAvatar, MaxAttempts: cfg.FetchMaxAttempts},
			{Name: "refresh", From: IdentityUpdated, To: IdentityOutdated, Handler: h.Refresh, Delay: cfg.IdentityRefresh},
		},
		TryInterval: cfg.ScheduleInterval,
		ErrorState:  IdentityErrored,
	})
}

type actorDocument struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Name              string          `json:"name"`
	PreferredUsername string          `json:"preferredUsername"`
	Inbox             string          `json:"inbox"`
	Endpoints         actorEndpoints  `json:"endpoints"`
	PublicKey         actorPublicKey  `json:"publicKey"`
	Icon              json.RawMessage `json:"icon"`
}

type actorEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorPublicKey struct {
	ID           string `json:"id"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// iconURL accepts both the object and the bare string form of icon.
func (d actorDocument) iconURL() string {
	if len(d.Icon) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.Icon, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(d.Icon, &obj); err == nil {
		return obj.URL
	}
	return ""
}

// Fetch loads the actor document named by payload.actor_uri.
func (h *Identity) Fetch(ctx context.Context, e models.Entity) (machine.Result, error) {
	uri := e.PayloadString("actor_uri")
	if uri == "" {
		return machine.NoOp, errors.New("payload.actor_uri is required")
	}
	if h.deps.throttled(ctx, uri) {
		return machine.NoOp, nil
	}

	req, err := h.deps.newRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return machine.NoOp, err
	}
	req.Header.Set("Accept", activityJSON)
	resp, err := h.deps.client().Do(req)
	if err != nil {
		return machine.NoOp, fmt.Errorf("fetch actor: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return machine.NoOp, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return machine.NoOp, fmt.Errorf("fetch actor: status %d", resp.StatusCode)
	}

	var doc actorDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, actorDocumentLimit)).Decode(&doc); err != nil {
		return machine.NoOp, fmt.Errorf("decode actor: %w", err)
	}
	if doc.Inbox == "" {
		return machine.NoOp, errors.New("actor document has no inbox")
	}

	return machine.AdvanceWith(IdentityFetched, map[string]any{
		"name":           doc.Name,
		"username":       doc.PreferredUsername,
		"inbox":          doc.Inbox,
		"shared_inbox":   doc.Endpoints.SharedInbox,
		"public_key_id":  doc.PublicKey.ID,
		"public_key_pem": doc.PublicKey.PublicKeyPem,
		"icon_url":       doc.iconURL(),
	}), nil
}

// CacheAvatar stores a thumbnail of the actor's icon. Actors without one advance directly.
func (h *Identity) CacheAvatar(ctx context.Context, e models.Entity) (machine.Result, error) {
	icon := e.PayloadString("icon_url")
	if icon == "" || h.deps.Avatars == nil {
		return machine.AdvanceWith(IdentityUpdated, map[string]any{"avatar_path": ""}), nil
	}
	if h.deps.throttled(ctx, icon) {
		return machine.NoOp, nil
	}
	location, err := h.deps.Avatars.Cache(ctx, url.PathEscape(e.ID), icon)
	if err != nil {
		return machine.NoOp, err
	}
	return machine.AdvanceWith(IdentityUpdated, map[string]any{"avatar_path": location}), nil
}

// Refresh marks the identity stale again once its delay has passed.
func (h *Identity) Refresh(context.Context, models.Entity) (machine.Result, error) {
	return machine.Advance(IdentityOutdated), nil
}
