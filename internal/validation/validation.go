// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// IsValidCurrency проверяет, что код валюты состоит из трёх латинских букв.
func IsValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, ch := range code {
		if ch > unicode.MaxASCII || !unicode.IsLetter(ch) {
			return false
		}
	}
	return true
}

// SameCurrency сравнивает коды валют без учёта регистра.
func SameCurrency(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// NormalizeFeatureKey приводит ключ возможности к нижнему регистру и заменяет пробелы подчёркиванием.
func NormalizeFeatureKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.Join(strings.Fields(key), "_")
}

// NormalizeFeatureKeys нормализует ключи, отбрасывая пустые и повторы с сохранением порядка.
func NormalizeFeatureKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = NormalizeFeatureKey(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// IsValidUsageKey проверяет, что корзина использования известна.
func IsValidUsageKey(key string) bool {
	for _, k := range model.UsageKeys() {
		if k == key {
			return true
		}
	}
	return false
}
