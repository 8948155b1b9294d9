package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalColumn and canonicalTable mirror Column/Table but drop fields
// that don't participate in physical identity (generator funcs aren't
// JSON-serializable, and comparing two otherwise-identical generators by
// pointer would make the hash nondeterministic across process restarts).
type canonicalColumn struct {
	Name         string       `json:"name"`
	LogicalType  LogicalType  `json:"logical_type"`
	PhysicalType PhysicalType `json:"physical_type"`
	NotNull      bool         `json:"not_null"`
	HasDefault   bool         `json:"has_default"`
	DefaultValue interface{}  `json:"default_value,omitempty"`
	IsLWW        bool         `json:"is_lww"`
	IsParent     bool         `json:"is_parent"`
	IsSequence   bool         `json:"is_sequence"`
}

type canonicalKey struct {
	Name    string   `json:"name"`
	Kind    KeyKind  `json:"kind"`
	Columns []string `json:"columns"`
}

type canonicalTable struct {
	Name    string             `json:"name"`
	Columns []canonicalColumn  `json:"columns"`
	Keys    []canonicalKey     `json:"keys"`
}

type canonicalView struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

type canonicalSchema struct {
	Tables []canonicalTable `json:"tables"`
	Views  []canonicalView  `json:"views"`
}

// Canonical renders s into a deterministic byte representation used for
// both hashing and structural equality checks.
func (s Schema) Canonical() []byte {
	cs := canonicalSchema{}
	for _, t := range s.Tables {
		ct := canonicalTable{Name: t.Name}
		for _, c := range t.Columns {
			cc := canonicalColumn{
				Name:         c.Name,
				LogicalType:  c.LogicalType,
				PhysicalType: c.PhysicalType,
				NotNull:      c.NotNull,
				HasDefault:   !c.Default.IsZero(),
				IsLWW:        c.IsLWW,
				IsParent:     c.IsParent,
				IsSequence:   c.IsSequence,
			}
			if c.Default.Generator == nil {
				cc.DefaultValue = c.Default.Scalar
			}
			ct.Columns = append(ct.Columns, cc)
		}
		for _, k := range t.Keys {
			ct.Keys = append(ct.Keys, canonicalKey{Name: k.Name, Kind: k.Kind, Columns: k.Columns})
		}
		cs.Tables = append(cs.Tables, ct)
	}
	for _, v := range s.Views {
		cs.Views = append(cs.Views, canonicalView{Name: v.Name, SQL: CanonicalSQL(v.SQL())})
	}

	// encoding/json preserves struct field/slice order, which is enough
	// determinism here since Tables/Views/Columns/Keys are already
	// declared in a stable order by the builder.
	data, _ := json.Marshal(cs)
	return data
}

// Hash returns the schema fingerprint stored under __settings["schema_hash"].
func (s Schema) Hash() string {
	sum := sha256.Sum256(s.Canonical())
	return hex.EncodeToString(sum[:])
}
