package domain

import "errors"

var (
	ErrSessionNotFound    = errors.New("call session not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrNotOwner           = errors.New("only the call owner may do this")
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrQuotaExceeded      = errors.New("daily call quota exceeded")
	ErrUnauthorizedMute   = errors.New("not allowed to change this mute state")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrEnvelopeNotFound   = errors.New("envelope not found")
)

// Wire codes let remote clients map an error response back to its sentinel.
var errorCodes = map[string]error{
	"session_not_found":     ErrSessionNotFound,
	"access_denied":         ErrAccessDenied,
	"not_owner":             ErrNotOwner,
	"media_acquisition":     ErrMediaAcquisition,
	"quota_exceeded":        ErrQuotaExceeded,
	"unauthorized_mute":     ErrUnauthorizedMute,
	"unknown_participant":   ErrUnknownParticipant,
	"envelope_not_found":    ErrEnvelopeNotFound,
	"display_name_empty":    ErrDisplayNameEmpty,
	"display_name_too_long": ErrDisplayNameTooLong,
	"participant_id_empty":  ErrParticipantIDEmpty,
}

// ErrorCode returns the wire code of the sentinel err wraps, or "internal".
func ErrorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes yield nil.
func ErrorFromCode(code string) error {
	return errorCodes[code]
}
