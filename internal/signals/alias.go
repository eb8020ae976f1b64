package signals

import "strings"

// defaultAliases контракты, торгующиеся на бирже под тикером с множителем
var defaultAliases = map[string]string{
	"PEPEUSDT":  "1000PEPEUSDT",
	"SHIBUSDT":  "1000SHIBUSDT",
	"BONKUSDT":  "1000BONKUSDT",
	"FLOKIUSDT": "1000FLOKIUSDT",
	"LUNCUSDT":  "1000LUNCUSDT",
	"XECUSDT":   "1000XECUSDT",
	"SATSUSDT":  "1000SATSUSDT",
	"RATSUSDT":  "1000RATSUSDT",
}

// AliasTable сопоставляет номинальный тикер торгуемому контракту
type AliasTable map[string]string

// NewAliasTable объединяет встроенные псевдонимы с заданными в конфигурации
func NewAliasTable(overrides map[string]string) AliasTable {
	t := make(AliasTable, len(defaultAliases)+len(overrides))
	for k, v := range defaultAliases {
		t[k] = v
	}
	for k, v := range overrides {
		k, v = strings.ToUpper(strings.TrimSpace(k)), strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			delete(t, k)
			continue
		}
		t[k] = v
	}
	return t
}

// Resolve возвращает торгуемый символ
func (t AliasTable) Resolve(symbol string) string {
	if alias, ok := t[symbol]; ok {
		return alias
	}
	return symbol
}
