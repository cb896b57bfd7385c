package envelope

// The closed error-code table. The legacy server mixed integer codes from
// several overlapping ranges; everything maps into this one.
const (
	CodeBadEnvelope    = 1400 // malformed request envelope
	CodeAuthRequired   = 1401 // command requires an authenticated context
	CodeForbidden      = 1402 // authenticated, but role is insufficient
	CodeUnknownCommand = 1403 // no handler registered for this type
	CodeNotFound       = 1404 // referenced entity does not exist
	CodeConflict       = 1409 // constraint or concurrent-update conflict
	CodeSchemaViolation = 1422 // data failed the command schema
	CodeRateLimited    = 1429 // per-connection rate limit exceeded
	CodeReplay         = 1440 // S2S nonce was already seen
	CodeInternal       = 1500 // trapped handler panic or unexpected failure
)
