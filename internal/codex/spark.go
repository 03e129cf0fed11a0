package codex

import "strings"

// sparkDenialMarkers are the fragments that, together with the spark model name,
// identify an error as "spark inaccessible for this account". The agent's exact
// error surface is not documented, so this stays a heuristic; extend the list
// here when new phrasings show up.
var sparkDenialMarkers = []string{
	"not available",
	"not permitted",
	"not enabled",
	"insufficient",
	"permission",
	"access denied",
	"unauthorized",
	"forbidden",
	"pro",
}

// isSparkUnavailable reports whether err describes the spark model being
// inaccessible. The message must mention the spark model name and at least one
// denial marker.
func isSparkUnavailable(err error, sparkModel string) bool {
	if err == nil || sparkModel == "" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, strings.ToLower(sparkModel)) {
		return false
	}
	for _, marker := range sparkDenialMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
