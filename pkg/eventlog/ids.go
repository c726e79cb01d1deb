package eventlog

import (
	"strconv"
	"strings"
)

// parseStreamID splits an ms-seq stream identifier. ok is false for any other
// shape.
func parseStreamID(id string) (ms, seq uint64, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// streamIDLess orders two stream identifiers. An empty identifier sorts
// before everything, so EventsSince("") replays the full log.
func streamIDLess(a, b string) bool {
	if a == "" {
		return b != ""
	}
	if b == "" {
		return false
	}
	ams, aseq, aok := parseStreamID(a)
	bms, bseq, bok := parseStreamID(b)
	if aok && bok {
		if ams != bms {
			return ams < bms
		}
		return aseq < bseq
	}
	return a < b
}
