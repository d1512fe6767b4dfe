package topics

const (
	// Oráculo
	OracleAttestations    = "oracle_attestations"
	OracleAttestationsDLQ = "oracle_attestations_dlq"

	// Duelos
	DuelSigned  = "duel_signed"
	DuelSettled = "duel_settled"
)
