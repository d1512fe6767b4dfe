package bet

import "errors"

// Taxonomia de erros do core. Estruturais e criptográficos nunca são
// retentados; os de protocolo permitem ao chamador distinguir "já tratado"
// de contraparte maliciosa/bugada.
var (
	// Estruturais
	ErrMalformedAnnouncement = errors.New("malformed oracle announcement")
	ErrMalformedAttestation  = errors.New("malformed oracle attestation")
	ErrInvalidIdentity       = errors.New("invalid party identity")

	// Protocolo
	ErrOutcomeSetMismatch   = errors.New("outcome set mismatch")
	ErrUnknownOutcome       = errors.New("unknown outcome")
	ErrDuplicateSignature   = errors.New("duplicate signature")
	ErrAlreadyProposed      = errors.New("templates already recorded for party")
	ErrPrematureAttestation = errors.New("bet not fully signed")
	ErrWrongEvent           = errors.New("attestation references another oracle event")

	// Criptográficos
	ErrSignatureMismatch  = errors.New("attestation signature mismatch")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrIncompatibleShares = errors.New("incompatible signature shares")

	// Estado
	ErrNotFound          = errors.New("not found")
	ErrIncomplete        = errors.New("signature pair incomplete")
	ErrTerminalState     = errors.New("bet in terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
)
