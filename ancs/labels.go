package ancs

import "strings"

// clearLabels are the negative action labels phones use for "clear this
// notification", across the locales seen in the field.
var clearLabels = []string{
	"Clear",
	"清除",
	"清除通知",
	"Löschen",
	"Effacer",
	"Borrar",
	"Cancella",
	"クリア",
	"消去",
	"지우기",
	"Wissen",
	"Очистить",
	"Rensa",
	"Limpar",
	"Ryd",
	"Tøm",
	"Tyhjennä",
	"Wyczyść",
	"Temizle",
}

// IsClearAction reports whether a negative action label means "clear"
func IsClearAction(label string) bool {
	label = strings.TrimSpace(label)
	for _, l := range clearLabels {
		if strings.EqualFold(label, l) {
			return true
		}
	}
	return false
}
