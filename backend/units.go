package backend

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/cask-db/cask/schema"
)

// UnitTable maps a unit symbol to the factor that converts a stored value
// into the session's working unit. Values of a tagged variable are multiplied
// by the factor on read and divided on write, so the container always holds
// the canonical unit and every session sees its own.
type UnitTable map[string]float64

// LoadUnitTable reads a session unit table from a TOML file of the form
//
//	[units]
//	nm = 10.0
//	ps = 1000.0
func LoadUnitTable(path string) (UnitTable, error) {
	var doc struct {
		Units map[string]float64 `toml:"units"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("unit table %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("unit table %q: %w", path, err)
	}
	t := UnitTable{}
	for sym, factor := range doc.Units {
		if factor == 0 {
			return nil, fmt.Errorf("unit table %q: symbol %q has zero factor", path, sym)
		}
		t[sym] = factor
	}
	return t, nil
}

// Factor returns the conversion factor for a symbol, defaulting to 1.
func (t UnitTable) Factor(symbol string) float64 {
	if f, ok := t[symbol]; ok {
		return f
	}
	return 1
}

func scaleIn(f schema.Field, v interface{}, units UnitTable) interface{} {
	return scale(f, v, 1/units.Factor(f.Unit))
}

func scaleOut(f schema.Field, v interface{}, units UnitTable) interface{} {
	return scale(f, v, units.Factor(f.Unit))
}

func scale(f schema.Field, v interface{}, factor float64) interface{} {
	if f.Unit == "" || factor == 1 {
		return v
	}
	switch x := v.(type) {
	case float64:
		return x * factor
	case schema.Array:
		return x.Scale(factor)
	}
	return v
}
