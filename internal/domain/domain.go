package domain

import (
	"fmt"
	"time"
)

// Locator is the structured form of a scanned QR payload.
type Locator struct {
	DocUID       string `json:"docUid"`
	Revision     string `json:"revision"`
	Page         int    `json:"page"`
	TimestampSec int64  `json:"timestampSec"`
	SignatureHex string `json:"signatureHex"`
}

// StatusKey is the cache key of the status of the page the locator points at.
func (l Locator) StatusKey() string {
	return StatusKey(l.DocUID, l.Revision, l.Page)
}

// StatusKey builds the cache key status:{docUid}:{revision}:{page}.
func StatusKey(docUID, revision string, page int) string {
	return fmt.Sprintf("status:%s:%s:%d", docUID, revision, page)
}

type BusinessStatus string

const (
	StatusApprovedForConstruction BusinessStatus = "APPROVED_FOR_CONSTRUCTION"
	StatusAcceptedByCustomer      BusinessStatus = "ACCEPTED_BY_CUSTOMER"
	StatusChangesIntroducedGetNew BusinessStatus = "CHANGES_INTRODUCED_GET_NEW"
	StatusInWork                  BusinessStatus = "IN_WORK"
)

// Valid reports whether s is one of the known business statuses.
func (s BusinessStatus) Valid() bool {
	switch s {
	case StatusApprovedForConstruction, StatusAcceptedByCustomer, StatusChangesIntroducedGetNew, StatusInWork:
		return true
	}
	return false
}

type StatusLinks struct {
	OpenDocument string `json:"openDocument,omitempty"`
	OpenLatest   string `json:"openLatest,omitempty"`
}

// DocumentStatus is produced by the status backend and treated as read-only.
type DocumentStatus struct {
	DocUID         string         `json:"docUid"`
	Revision       string         `json:"revision"`
	Page           int            `json:"page"`
	BusinessStatus BusinessStatus `json:"businessStatus" enum:"APPROVED_FOR_CONSTRUCTION,ACCEPTED_BY_CUSTOMER,CHANGES_INTRODUCED_GET_NEW,IN_WORK"`
	EnoviaState    string         `json:"enoviaState"`
	IsActual       bool           `json:"isActual"`
	ReleasedAt     *time.Time     `json:"releasedAt,omitempty" format:"date-time"`
	SupersededBy   string         `json:"supersededBy,omitempty"`
	Links          StatusLinks    `json:"links"`
}

// Revision is one registered revision of a document in the status registry.
type Revision struct {
	DocUID         string         `json:"docUid"`
	Revision       string         `json:"revision"`
	Pages          int            `json:"pages"`
	BusinessStatus BusinessStatus `json:"businessStatus" enum:"APPROVED_FOR_CONSTRUCTION,ACCEPTED_BY_CUSTOMER,CHANGES_INTRODUCED_GET_NEW,IN_WORK"`
	EnoviaState    string         `json:"enoviaState"`
	ReleasedAt     *string        `json:"releasedAt,omitempty" format:"date-time"`
	SupersededBy   *string        `json:"supersededBy,omitempty"`
	DocumentURL    string         `json:"documentUrl,omitempty"`
	CreatedAt      string         `json:"createdAt" format:"date-time"`
	UpdatedAt      string         `json:"updatedAt" format:"date-time"`
}

// IsActual reports whether no newer revision replaced this one.
func (r Revision) IsActual() bool {
	return r.SupersededBy == nil || *r.SupersededBy == ""
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	DocUID     string `json:"docUid"`
	Revision   string `json:"revision,omitempty"`
	ActorID    string `json:"actorId"`
	PayloadRaw string `json:"payload"`
}
