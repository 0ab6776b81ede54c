package attendance

import (
	"errors"
	"time"
)

// Presence is deliberately tri-state: a student who never scanned is
// distinguishable from one explicitly marked absent, until the session
// close finalizes unmarked records to absent.
type Presence string

const (
	Unmarked Presence = "unmarked"
	Present  Presence = "present"
	Absent   Presence = "absent"
)

var (
	ErrSessionClosed   = errors.New("session is already completed")
	ErrInvalidPresence = errors.New("presence must be present or absent")
	ErrRecordNotFound  = errors.New("attendance record not found")
)

// Record is one student's attendance for one session, unique per
// (session, student).
type Record struct {
	SessionID string
	StudentID string
	Presence  Presence
	ViaScan   bool
	MarkedAt  *time.Time // time of first determination; never overwritten
}

// RejectReason explains why a scan was not recorded. Rejections are
// expected outcomes surfaced verbatim to the scanning device, never errors.
type RejectReason string

const (
	ReasonUnknownToken    RejectReason = "unknown_token"
	ReasonTokenExpired    RejectReason = "token_expired"
	ReasonNotEnrolled     RejectReason = "not_enrolled"
	ReasonNetworkMismatch RejectReason = "network_mismatch"
)

// ScanStatus is the outcome class of a scan attempt.
type ScanStatus string

const (
	ScanPresent        ScanStatus = "present"
	ScanAlreadyPresent ScanStatus = "already_present"
	ScanRejected       ScanStatus = "rejected"
)

// ScanResult is what a scan attempt produced.
type ScanResult struct {
	Status    ScanStatus
	Reason    RejectReason // set only when Status is ScanRejected
	SessionID string       // set when the token resolved to a session
}

func rejected(reason RejectReason, sessionID string) ScanResult {
	return ScanResult{Status: ScanRejected, Reason: reason, SessionID: sessionID}
}
