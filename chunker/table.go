package chunker

// buzTable maps each byte value to a pseudo-random 32-bit word for
// the rolling hash. The table is a protocol constant: it is generated
// once at package init from a fixed splitmix64 seed, which is
// platform- and process-independent, so the same bytes always chunk
// at the same offsets.
var buzTable [256]uint32

// buzTableSeed is the splitmix64 state the table is expanded from.
const buzTableSeed = 0x2545f4914f6cdd1d

func init() {
	state := uint64(buzTableSeed)
	for i := range buzTable {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ z>>30) * 0xbf58476d1ce4e5b9
		z = (z ^ z>>27) * 0x94d049bb133111eb
		z ^= z >> 31
		buzTable[i] = uint32(z >> 32)
	}
}
