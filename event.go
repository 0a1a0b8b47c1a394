package storesync

import (
	"fmt"
	"time"
)

// Op is the kind of row change carried by a ChangeEvent.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is one authoritative row change from the backend change feed.
// Presence rules: insert has After only, delete has Before only, update has
// both. Delivery is at-least-once; consumers must tolerate duplicates and,
// across connection epochs, out-of-order arrival.
type ChangeEvent struct {
	EntityType EntityType `json:"entity_type"`
	Op         Op         `json:"op"`
	Before     *Entity    `json:"before,omitempty"`
	After      *Entity    `json:"after,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

// Validate enforces the before/after presence invariants.
func (ev ChangeEvent) Validate() error {
	switch ev.Op {
	case OpInsert:
		if ev.Before != nil || ev.After == nil {
			return fmt.Errorf("insert event must carry after only")
		}
	case OpUpdate:
		if ev.Before == nil || ev.After == nil {
			return fmt.Errorf("update event must carry both before and after")
		}
	case OpDelete:
		if ev.Before == nil || ev.After != nil {
			return fmt.Errorf("delete event must carry before only")
		}
	default:
		return fmt.Errorf("unknown change operation %q", ev.Op)
	}
	if id := ev.TargetID(); id == "" {
		return fmt.Errorf("%s event missing entity id", ev.Op)
	}
	return nil
}

// TargetID returns the id of the row the event applies to.
func (ev ChangeEvent) TargetID() string {
	if ev.After != nil {
		return ev.After.ID
	}
	if ev.Before != nil {
		return ev.Before.ID
	}
	return ""
}

// Version returns the server version the event carries: the after-image
// version for inserts and updates, the before-image version for deletes.
func (ev ChangeEvent) Version() uint64 {
	if ev.After != nil {
		return ev.After.Version
	}
	if ev.Before != nil {
		return ev.Before.Version
	}
	return 0
}
