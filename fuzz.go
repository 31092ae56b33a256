//go:build gofuzz

package fakefuse

// Fuzz targets for go-fuzz. The header parser and the lookup-name
// extraction are the only places the server interprets bytes it did
// not build itself.

func FuzzInHeader(data []byte) int {
	hdr, err := parseInHeader(data)
	if err != nil {
		return 0
	}
	if OpCode(hdr.Opcode) == OpLookup {
		_ = lookupName(data)
	}
	return 1
}

func FuzzLookupName(data []byte) int {
	if len(data) < InHeaderSize {
		return 0
	}
	_ = lookupName(data)
	return 1
}
