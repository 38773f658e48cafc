package esi

import "time"

// Character is the set of credentials a request is made on behalf of.
type Character struct {
	ID            int64
	CorporationID int64
	RefreshToken  string
}

// Notification is one entry of GET /characters/{id}/notifications/.
// Text is the raw YAML body; see ParseBody.
type Notification struct {
	ID         int64     `json:"notification_id"`
	Type       string    `json:"type"`
	SenderID   int64     `json:"sender_id"`
	SenderType string    `json:"sender_type"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read,omitempty"`
	Text       string    `json:"text,omitempty"`
}

// Structure is one entry of GET /corporations/{id}/structures/.
type Structure struct {
	StructureID     int64              `json:"structure_id"`
	CorporationID   int64              `json:"corporation_id"`
	SystemID        int64              `json:"system_id"`
	TypeID          int64              `json:"type_id"`
	Name            string             `json:"name,omitempty"`
	State           string             `json:"state"`
	FuelExpires     *time.Time         `json:"fuel_expires,omitempty"`
	StateTimerStart *time.Time         `json:"state_timer_start,omitempty"`
	StateTimerEnd   *time.Time         `json:"state_timer_end,omitempty"`
	UnanchorsAt     *time.Time         `json:"unanchors_at,omitempty"`
	Services        []StructureService `json:"services,omitempty"`
}

type StructureService struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type affiliation struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
}

type characterInfo struct {
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
}

type named struct {
	Name string `json:"name"`
}
