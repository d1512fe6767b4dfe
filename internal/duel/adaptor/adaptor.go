// Package adaptor implementa as primitivas de assinatura adaptor
// (encrypted signature) usadas pelo core: EC-Schnorr-DCRv0 na variante
// s' = k - e*x, com R' = k*G + T normalizado pra even-Y.
//
// Uma share de 65 bytes é R'(33, comprimido, 0x02) || s'(32). Quem conhece o
// escalar t com t*G = T transforma a share numa assinatura schnorr válida
// fazendo s = s' + t.
package adaptor

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// ShareLen é o tamanho serializado de uma share: R'(33) || s'(32)
const ShareLen = 65

// Tag de domain separation do EC-Schnorr-DCRv0 pra derivação de nonce.
// https://github.com/decred/dcrd/blob/master/dcrec/secp256k1/schnorr/README.md
var nonceExtraTag = func() [32]byte {
	const tagHex = "0b75f97b60e8a5762876c004829ee9b926fa6f0d2eeaec3a4fd1446a768331cb"
	b, _ := hex.DecodeString(tagHex)
	var out [32]byte
	copy(out[:], b)
	return out
}()

// challenge calcula e = BLAKE256(r_x || m) como escalar mod n.
// overflow (e >= n) é sinalizado pro chamador decidir entre erro e retry.
func challenge(rX32, m32 []byte) (secp256k1.ModNScalar, bool) {
	h := blake256.Sum256(append(append([]byte{}, rX32...), m32...))
	var e secp256k1.ModNScalar
	overflow := e.SetByteSlice(h[:])
	return e, overflow
}

// AddPoints retorna P+Q via soma Jacobiana com conversão pra afim.
func AddPoints(p, q *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, qj, sum secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	q.AsJacobian(&qj)

	secp256k1.AddNonConst(&pj, &qj, &sum)

	// Z == 0 em coordenadas Jacobianas é o ponto no infinito
	if sum.Z.IsZero() {
		return nil, errors.New("sum is point at infinity")
	}
	sum.ToAffine()

	var ax, ay secp256k1.FieldVal
	ax.Set(&sum.X)
	ay.Set(&sum.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// SubPoints retorna P-Q.
func SubPoints(p, q *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, qj, diff secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	q.AsJacobian(&qj)
	qj.Y.Negate(1)

	secp256k1.AddNonConst(&pj, &qj, &diff)
	if diff.Z.IsZero() {
		return nil, errors.New("difference is point at infinity")
	}
	diff.ToAffine()

	var ax, ay secp256k1.FieldVal
	ax.Set(&diff.X)
	ay.Set(&diff.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// ScalarMult retorna e*P.
func ScalarMult(e *secp256k1.ModNScalar, p *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, out secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(e, &pj, &out)
	if out.Z.IsZero() {
		return nil, errors.New("product is point at infinity")
	}
	out.ToAffine()

	var ax, ay secp256k1.FieldVal
	ax.Set(&out.X)
	ay.Set(&out.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// Presign produz a share adaptor de m32 pra chave priv, criptografada pro
// ponto T. Nonce via RFC6979 com retry determinístico até R' sair even-Y e
// o challenge caber em n.
func Presign(priv *secp256k1.PrivateKey, m32 []byte, t *secp256k1.PublicKey) ([]byte, error) {
	if len(m32) != 32 {
		return nil, errors.New("bad message size")
	}
	x := priv.Key
	if x.IsZero() {
		return nil, errors.New("zero private key")
	}
	xb := priv.Serialize()
	tb := t.SerializeCompressed()

	// extra = BLAKE256(tag || T) amarra o nonce ao ponto de encriptação
	extra := blake256.Sum256(append(nonceExtraTag[:], tb...))

	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(xb, m32, extra[:], nil, iter)
		if k == nil || k.IsZero() {
			continue
		}
		kb := k.Bytes()

		// R' = k*G + T, exigindo even-Y
		r := secp256k1.PrivKeyFromBytes(kb[:]).PubKey()
		rp, err := AddPoints(r, t)
		if err != nil {
			continue
		}
		cp := rp.SerializeCompressed()
		if cp[0] != 0x02 {
			continue
		}

		e, overflow := challenge(cp[1:33], m32)
		if overflow {
			continue // e >= n: próximo nonce determinístico
		}

		// s' = k - e*x (mod n)
		var ex, neg, sp secp256k1.ModNScalar
		ex.Set(&e)
		ex.Mul(&x)
		neg.NegateVal(&ex)
		sp.Set(k)
		sp.Add(&neg)

		spb := sp.Bytes()
		return append(append([]byte{}, cp...), spb[:]...), nil
	}
}

// Verify checa a relação adaptor s'*G + e*X == R' - T sem conhecer t.
// Garante que a share, uma vez decriptada, vira assinatura válida de m32
// pela chave X.
func Verify(share, m32 []byte, x, t *secp256k1.PublicKey) error {
	if len(share) != ShareLen {
		return fmt.Errorf("bad share size %d", len(share))
	}
	if share[0] != 0x02 {
		return errors.New("R' must be even-Y (0x02)")
	}
	rp, err := secp256k1.ParsePubKey(share[:33])
	if err != nil {
		return fmt.Errorf("parse R': %w", err)
	}

	e, overflow := challenge(share[1:33], m32)
	if overflow {
		return errors.New("challenge overflow")
	}
	var sp secp256k1.ModNScalar
	if overflow := sp.SetByteSlice(share[33:]); overflow {
		return errors.New("s' overflow")
	}

	// lhs = s'*G + e*X
	spb := sp.Bytes()
	spg := secp256k1.PrivKeyFromBytes(spb[:]).PubKey()
	ex, err := ScalarMult(&e, x)
	if err != nil {
		return err
	}
	lhs, err := AddPoints(spg, ex)
	if err != nil {
		return err
	}

	// rhs = R' - T
	rhs, err := SubPoints(rp, t)
	if err != nil {
		return err
	}

	if !lhs.IsEqual(rhs) {
		return errors.New("adaptor relation failed")
	}
	return nil
}

// Decrypt aplica o escalar de decriptação (s = s' + t mod n) e devolve a
// assinatura final de 64 bytes, já verificada contra m32 e X.
func Decrypt(share []byte, t *secp256k1.ModNScalar, m32 []byte, x *secp256k1.PublicKey) ([]byte, error) {
	if len(share) != ShareLen {
		return nil, fmt.Errorf("bad share size %d", len(share))
	}
	var sp, s secp256k1.ModNScalar
	if overflow := sp.SetByteSlice(share[33:]); overflow {
		return nil, errors.New("s' overflow")
	}
	s.Set(&sp)
	s.Add(t)
	sb := s.Bytes()

	sigBytes := append(append([]byte{}, share[1:33]...), sb[:]...)
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(m32, x) {
		return nil, errors.New("decrypted signature does not verify")
	}
	return sig.Serialize(), nil
}

// ParseScalar interpreta 32 bytes como escalar mod n não nulo.
func ParseScalar(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("bad scalar size %d", len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, errors.New("scalar overflow")
	}
	if s.IsZero() {
		return nil, errors.New("zero scalar")
	}
	return &s, nil
}
