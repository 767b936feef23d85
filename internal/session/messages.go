package session

// Fixed policy and failure messages written into the conversation in place of
// generated output.
const (
	ModerationMsg  = "YOUR INPUT VIOLATES OUR CONTENT MODERATION GUIDELINES. PLEASE TRY AGAIN."
	TurnLimitMsg   = "YOU HAVE REACHED THE CONVERSATION LENGTH LIMIT. PLEASE CLEAR HISTORY AND START A NEW CONVERSATION."
	RateLimitMsg   = "YOU HAVE REACHED THE MAXIMUM NUMBER OF REQUESTS TODAY. PLEASE COME BACK LATER."
	ServerErrorMsg = "**NETWORK ERROR DUE TO HIGH TRAFFIC. PLEASE REGENERATE OR REFRESH THIS PAGE.**"
)

// Default policy limits.
const (
	DefaultInputCharLimit = 12000
	DefaultTurnLimit      = 50

	// moderationTailChars bounds how much rendered history is re-checked
	// together with each new turn.
	moderationTailChars = 2000

	// cursor is the transient marker appended to visible text mid-stream.
	cursor = "▌"
)
