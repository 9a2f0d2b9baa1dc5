package fx

import "math/big"

// Isqrt returns the floor of the square root of n using Newton iteration.
// Negative input yields zero.
func Isqrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return big.NewInt(0)
	}
	// Initial guess: 2^(ceil(bits/2)) is always >= sqrt(n).
	x := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()+1)/2)
	for {
		// y = (x + n/x) / 2
		y := new(big.Int).Div(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)
		if y.Cmp(x) >= 0 {
			return x
		}
		x = y
	}
}
