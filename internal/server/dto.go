package server

import (
	"docqr/internal/domain"
	"docqr/internal/engine"
)

// RevisionRequest registers or updates a revision.
type RevisionRequest struct {
	Pages          int                   `json:"pages" minimum:"1" example:"12"`
	BusinessStatus domain.BusinessStatus `json:"businessStatus" enum:"APPROVED_FOR_CONSTRUCTION,ACCEPTED_BY_CUSTOMER,CHANGES_INTRODUCED_GET_NEW,IN_WORK"`
	EnoviaState    string                `json:"enoviaState,omitempty" example:"RELEASED"`
	ReleasedAt     string                `json:"releasedAt,omitempty" format:"date-time"`
	DocumentURL    string                `json:"documentUrl,omitempty" example:"https://plm.example.com/docs/3D-00001234/B"`
}

type RevisionResponse struct {
	domain.Revision
	IsActual bool `json:"isActual"`
}

func revisionResponse(r domain.Revision) RevisionResponse {
	return RevisionResponse{Revision: r, IsActual: r.IsActual()}
}

func mapRevisions(items []domain.Revision) []RevisionResponse {
	out := make([]RevisionResponse, 0, len(items))
	for _, r := range items {
		out = append(out, revisionResponse(r))
	}
	return out
}

type RegisterResponse struct {
	Revision   RevisionResponse `json:"revision"`
	Created    bool             `json:"created"`
	Superseded []string         `json:"superseded"`
}

func registerResponse(res engine.RegisterResult) RegisterResponse {
	sup := res.Superseded
	if sup == nil {
		sup = []string{}
	}
	return RegisterResponse{Revision: revisionResponse(res.Revision), Created: res.Created, Superseded: sup}
}

type EventResponse struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type" example:"revision.superseded"`
	DocUID   string `json:"docUid"`
	Revision string `json:"revision,omitempty"`
	ActorID  string `json:"actorId"`
	Payload  string `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		DocUID:   e.DocUID,
		Revision: e.Revision,
		ActorID:  e.ActorID,
		Payload:  e.PayloadRaw,
	}
}

// ScanResponse is the answer of the payload verification route.
type ScanResponse struct {
	Locator domain.Locator        `json:"locator"`
	Status  domain.DocumentStatus `json:"status"`
}
