package relay

// Position is a hop position in a circuit, for weight selection purposes.
type Position int

const (
	PosGuard Position = iota
	PosMiddle
	PosExit
)

func (p Position) String() string {
	switch p {
	case PosGuard:
		return "guard"
	case PosMiddle:
		return "middle"
	case PosExit:
		return "exit"
	default:
		return "unknown"
	}
}

// BandwidthWeights are the consensus "bandwidth-weights" coefficients that
// scale a relay's bandwidth depending on its flags and the position it is
// being considered for. Values are in units of 1/10000, as in a consensus.
//
// Only the client path-selection subset is modeled: Wgg/Wgd for the guard
// position, Wmg/Wme/Wmd for the middle position, Wee/Wed for the exit
// position. Relays that are neither Guard nor Exit always weigh 10000 in
// the middle position and 0 elsewhere.
type BandwidthWeights struct {
	Wgg uint64 `yaml:"wgg"` // guard-flagged, guard position
	Wgd uint64 `yaml:"wgd"` // guard+exit-flagged, guard position
	Wmg uint64 `yaml:"wmg"` // guard-flagged, middle position
	Wme uint64 `yaml:"wme"` // exit-flagged, middle position
	Wmd uint64 `yaml:"wmd"` // guard+exit-flagged, middle position
	Wee uint64 `yaml:"wee"` // exit-flagged, exit position
	Wed uint64 `yaml:"wed"` // guard+exit-flagged, exit position
}

const weightScale = 10000

// DefaultWeights is a consistent coefficient set resembling a consensus in
// which guard bandwidth is not scarce: dual Guard+Exit relays are reserved
// entirely for the exit position.
var DefaultWeights = BandwidthWeights{
	Wgg: 6134,
	Wgd: 0,
	Wmg: 3866,
	Wme: 1222,
	Wmd: 0,
	Wee: 8778,
	Wed: 10000,
}

// WeightFor returns the selection weight of a relay at the given position.
func (w BandwidthWeights) WeightFor(r *Relay, pos Position) uint64 {
	if !r.Flags.Has(FlagRunning) || r.Flags.Has(FlagBadExit) {
		return 0
	}

	guard := r.Flags.Has(FlagGuard)
	exit := r.Flags.Has(FlagExit) && !r.Policy.IsRejectAll()

	var coeff uint64
	switch pos {
	case PosGuard:
		switch {
		case guard && exit:
			coeff = w.Wgd
		case guard:
			coeff = w.Wgg
		}
	case PosMiddle:
		switch {
		case guard && exit:
			coeff = w.Wmd
		case guard:
			coeff = w.Wmg
		case exit:
			coeff = w.Wme
		default:
			coeff = weightScale
		}
	case PosExit:
		switch {
		case guard && exit:
			coeff = w.Wed
		case exit:
			coeff = w.Wee
		}
	}

	return r.Bandwidth * coeff / weightScale
}
