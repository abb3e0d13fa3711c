// Package sym defines canonical symbols for cachet subsystems.
// These symbols are stable across CLI output and structured log fields.
package sym

// Primary operators, one per CLI command.
const (
	AM    = "≡" // am - configuration and system settings
	IX    = "⨳" // ix - submit extractions, poll and delete cache keys
	State = "▣" // state - saved views and their re-validation
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async extraction jobs, rate limiting
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Janitor    = "⌫" // expiry and orphan reconciliation
	Grant      = "⚿" // capability grants and refusals
)

// SymbolToCommand maps glyph strings to their text command equivalents.
var SymbolToCommand = map[string]string{
	AM:      "am",
	IX:      "ix",
	State:   "state",
	Pulse:   "pulse",
	Janitor: "janitor",
	DB:      "db",
}

// CommandToSymbol maps text commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"am":      AM,
	"ix":      IX,
	"state":   State,
	"pulse":   Pulse,
	"janitor": Janitor,
	"db":      DB,
}
