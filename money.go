package main

import "github.com/shopspring/decimal"

// round2 rounds a monetary or percentage value half away from zero to 2 decimals
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// percentOf returns part/whole*100, or 0 when whole is not positive
func percentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}
