package game

// Rejection reasons surfaced to callers in apply responses and step events.
// These are wire values, not Go errors: an illegal command is a normal
// business outcome.
const (
	ReasonGameNotRunning       = "GAME_NOT_RUNNING"
	ReasonInvalidTurnPlayer    = "INVALID_TURN_PLAYER"
	ReasonStaleTurnNo          = "STALE_TURN_NO"
	ReasonPlayerDead           = "PLAYER_DEAD"
	ReasonMoveOutOfBounds      = "MOVE_OUT_OF_BOUNDS"
	ReasonMoveBlockedByBlock   = "MOVE_BLOCKED_BY_BLOCK"
	ReasonMoveBlockedByPlayer  = "MOVE_BLOCKED_BY_PLAYER"
	ReasonCannotShootOwnShield = "CANNOT_SHOOT_THROUGH_OWN_SHIELD"
	ReasonShootBlockedByEdge   = "SHOOT_BLOCKED_BY_EDGE"
	ReasonShootBlockedByBlock  = "SHOOT_BLOCKED_BY_BLOCK"
	ReasonShootBlockedByPlayer = "SHOOT_BLOCKED_BY_PLAYER"
	ReasonMissingDirection     = "MISSING_DIRECTION"
	ReasonMissingSpeakText     = "MISSING_SPEAK_TEXT"
	ReasonReservedCommandType  = "RESERVED_COMMAND_TYPE"
	ReasonNotLastPlayerLeft    = "NOT_LAST_PLAYER_LEFT"
	ReasonAlreadyFinished      = "ALREADY_FINISHED"
	ReasonAlreadyRunning       = "ALREADY_RUNNING"
	ReasonGameFinished         = "GAME_FINISHED"
	ReasonDuplicateCommand     = "DUPLICATE_COMMAND"
	ReasonLateTimeoutIgnored   = "LATE_TIMEOUT_IGNORED"
	ReasonLateCommandIgnored   = "LATE_COMMAND_IGNORED"
)

// TurnOrderReason reports whether a rejection came from turn bookkeeping
// rather than the content of the command itself. The command pipeline uses
// this split: content problems are rewritten into a speak so the game still
// progresses, turn-order problems are not.
func TurnOrderReason(reason string) bool {
	switch reason {
	case ReasonStaleTurnNo, ReasonInvalidTurnPlayer, ReasonPlayerDead, ReasonGameNotRunning:
		return true
	}
	return false
}
