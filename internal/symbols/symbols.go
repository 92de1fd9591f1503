// Package symbols resolves the short tokens operators type into exchange
// instrument identifiers (instId), and builds the hash-tagged Redis key
// names every worker reads and writes for a given symbol.
package symbols

import "strings"

// Resolve maps short tokens like "btc" to instIds like "BTC-USDT-SWAP".
// Already-qualified tokens (containing a "-") pass through unchanged.
func Resolve(tokens []string, quoteSuffix string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, ResolveOne(t, quoteSuffix))
	}
	return out
}

func ResolveOne(token, quoteSuffix string) string {
	t := strings.TrimSpace(token)
	if t == "" {
		return ""
	}
	if strings.Contains(t, "-") {
		return strings.ToUpper(t)
	}
	return strings.ToUpper(t) + quoteSuffix
}

// Tag returns the hash-tag form "{instId}" used so all per-symbol keys
// co-locate on one Redis shard (spec.md §3).
func Tag(instId string) string {
	return "{" + instId + "}"
}

// Key builds a logical key name of the form "<prefix><kind>:{instId}" or,
// when a timeframe is supplied, "<prefix><kind>:<tf>:{instId}".
func Key(prefix, kind, instId string) string {
	return prefix + kind + ":" + Tag(instId)
}

func KeyTF(prefix, kind, tf, instId string) string {
	return prefix + kind + ":" + tf + ":" + Tag(instId)
}
