package market

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ToWei 把十进制数量换算为最小单位，按精度截断多余的小数位。
// 换算基于数量的最短十进制表示，0.1 得到的是 10^17 而不是二进制近似值。
func ToWei(amount float64, decimals int) *big.Int {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return new(big.Int)
	}
	if decimals < 0 {
		decimals = 0
	}
	text := strconv.FormatFloat(amount, 'f', -1, 64)
	whole, frac, _ := strings.Cut(text, ".")
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	out, ok := new(big.Int).SetString(strings.TrimLeft(whole+frac, "0"), 10)
	if !ok {
		return new(big.Int)
	}
	return out
}

// FromWei 把最小单位数量换算为十进制数量。
func FromWei(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	value := new(big.Float).SetPrec(256).SetInt(amount)
	value.Quo(value, new(big.Float).SetPrec(256).SetInt(pow10(decimals)))
	f, _ := value.Float64()
	return f
}

// RoundTo 四舍五入到指定小数位。
func RoundTo(amount float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(amount*p) / p
}

func pow10(decimals int) *big.Int {
	if decimals <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
