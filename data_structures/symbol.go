package data_structures

type SymbolType uint

const (
	FUNC        SymbolType = 1
	DATA        SymbolType = 2
	FILE        SymbolType = 3
	THREADLOCAL SymbolType = 4
	SECTION     SymbolType = 5
	UNKNOWN     SymbolType = 6
)

type Symbol struct {
	Name string
	Type SymbolType
	Range
}

func NewSymbol(name string, symtype SymbolType, rng Range) *Symbol {
	return &Symbol{Name: name, Type: symtype, Range: rng}
}

// SymbolAt returns the function symbol covering addr, if any.
func SymbolAt(symbols []*Symbol, addr uint64) *Symbol {
	for _, sym := range symbols {
		if sym.Type == FUNC && sym.Contains(addr) {
			return sym
		}
	}
	return nil
}

func (s *Symbol) String() string {
	return s.Name + " " + s.Range.String()
}
