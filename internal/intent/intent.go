// Package intent classifies free-text SMS replies.
package intent

import (
	"strings"
	"unicode"

	"github.com/example/slot-backfill/internal/engine"
)

var keywords = map[string]engine.Intent{
	"YES": engine.IntentAccept, "Y": engine.IntentAccept, "YEAH": engine.IntentAccept,
	"YEP": engine.IntentAccept, "OK": engine.IntentAccept, "OKAY": engine.IntentAccept,
	"SURE": engine.IntentAccept, "ACCEPT": engine.IntentAccept,

	"NO": engine.IntentDecline, "N": engine.IntentDecline, "NOPE": engine.IntentDecline,
	"NAH": engine.IntentDecline, "DECLINE": engine.IntentDecline, "SKIP": engine.IntentDecline,
	"PASS": engine.IntentDecline,

	"STOP": engine.IntentOptOut, "STOPALL": engine.IntentOptOut, "UNSUBSCRIBE": engine.IntentOptOut,
	"CANCEL": engine.IntentOptOut, "END": engine.IntentOptOut, "QUIT": engine.IntentOptOut,
	"REMOVE": engine.IntentOptOut,

	"HELP": engine.IntentHelp, "INFO": engine.IntentHelp,
}

// Parse maps a reply body to an intent. Opt-out words win over anything else
// in the message; otherwise the first recognised word decides. A bare "?"
// asks for help. ok is false when nothing is recognised.
func Parse(body string) (engine.Intent, bool) {
	words := strings.FieldsFunc(strings.ToUpper(body), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	var first engine.Intent
	for _, w := range words {
		in, ok := keywords[w]
		if !ok {
			continue
		}
		if in == engine.IntentOptOut {
			return in, true
		}
		if first == "" {
			first = in
		}
	}
	if first != "" {
		return first, true
	}
	if strings.TrimSpace(body) == "?" {
		return engine.IntentHelp, true
	}
	return "", false
}
