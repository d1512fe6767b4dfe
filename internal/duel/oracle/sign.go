package oracle

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Lado assinante do oráculo. Usado pelo oracle-simulator e pelos testes; o
// backend em si só consome anúncios e atestações produzidos fora dele.

// NormalizeNonce garante nonce com ponto even-Y, negando o escalar quando
// necessário. O valor retornado assina o mesmo R do original.
func NormalizeNonce(k *secp256k1.PrivateKey) *secp256k1.PrivateKey {
	if k.PubKey().SerializeCompressed()[0] != 0x03 {
		return k
	}
	var neg secp256k1.ModNScalar
	neg.NegateVal(&k.Key)
	nb := neg.Bytes()
	return secp256k1.PrivKeyFromBytes(nb[:])
}

// BuildAnnouncement monta o anúncio serializado de um evento.
func BuildAnnouncement(oraclePriv, noncePriv *secp256k1.PrivateKey, eventID string, outcomes []string) ([]byte, error) {
	if eventID == "" {
		return nil, errors.New("empty event id")
	}
	if len(outcomes) == 0 {
		return nil, errors.New("empty outcome set")
	}
	nonce := NormalizeNonce(noncePriv)

	aj := announcementJSON{
		OraclePubKey: hex.EncodeToString(oraclePriv.PubKey().SerializeCompressed()),
		Nonce:        hex.EncodeToString(nonce.PubKey().SerializeCompressed()),
		EventID:      eventID,
		Outcomes:     outcomes,
	}
	return json.Marshal(aj)
}

// Attest assina o outcome com o nonce comprometido e devolve a atestação
// serializada: s = k - e*x, e = BLAKE256(R_x || BLAKE256(outcome)).
func Attest(oraclePriv, noncePriv *secp256k1.PrivateKey, eventID, outcome string) ([]byte, error) {
	nonce := NormalizeNonce(noncePriv)
	rx := nonce.PubKey().SerializeCompressed()[1:33]

	m := OutcomeMessage(outcome)
	h := blake256.Sum256(append(append([]byte{}, rx...), m[:]...))
	var e secp256k1.ModNScalar
	if overflow := e.SetByteSlice(h[:]); overflow {
		// Sem retry: o nonce é fixo pelo anúncio. Probabilidade desprezível.
		return nil, fmt.Errorf("challenge overflow for outcome %q", outcome)
	}

	var ex, neg, s secp256k1.ModNScalar
	ex.Set(&e)
	ex.Mul(&oraclePriv.Key)
	neg.NegateVal(&ex)
	s.Set(&nonce.Key)
	s.Add(&neg)
	sb := s.Bytes()

	sig := append(append([]byte{}, rx...), sb[:]...)
	tj := attestationJSON{
		EventID:   eventID,
		Outcome:   outcome,
		Signature: hex.EncodeToString(sig),
	}
	return json.Marshal(tj)
}
