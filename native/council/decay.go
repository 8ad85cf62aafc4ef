package council

import "math/big"

// decaySaturationDistance is the distance beyond which the decay offset is
// cheaply computed as the closed-form cap instead of iterated, per spec.
const decaySaturationDistance = 150

// Offset computes the geometric-decay weight offset for a voter whose stake
// is `stake` and whose candidate has lost `distance` consecutive elections
// since the voter's last win (distance = vote_index - last_win).
//
// Offset is monotone non-decreasing in both stake and distance, bounded above
// by stake*ratio, and deterministic integer arithmetic throughout (no
// floating point, saturating subtraction only).
func Offset(stake *big.Int, distance uint64, ratio uint64) *big.Int {
	if stake == nil || stake.Sign() <= 0 || ratio == 0 || distance == 0 {
		return big.NewInt(0)
	}
	if distance > decaySaturationDistance {
		return new(big.Int).Mul(stake, new(big.Int).SetUint64(ratio))
	}

	divisor := new(big.Int).SetUint64(ratio + 1)
	cur := new(big.Int).Set(stake)
	acc := big.NewInt(0)
	zero := big.NewInt(0)
	for i := uint64(0); i < distance; i++ {
		quotient := new(big.Int).Div(cur, divisor)
		cur = new(big.Int).Sub(cur, quotient)
		if cur.Sign() < 0 {
			cur = zero
		}
		acc = new(big.Int).Add(acc, cur)
	}
	return acc
}

// EffectiveWeight computes a voter's effective weight for one candidate:
// stake + Offset(stake, distance, ratio) + offsetPot.
func EffectiveWeight(stake *big.Int, distance uint64, ratio uint64, offsetPot *big.Int) *big.Int {
	weight := cloneBig(stake)
	weight.Add(weight, Offset(stake, distance, ratio))
	weight.Add(weight, cloneBig(offsetPot))
	return weight
}
