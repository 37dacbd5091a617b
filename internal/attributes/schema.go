// Package attributes implements C10, Profile Attributes: a schema of
// filterable profile fields loaded once at startup and validated for
// internal consistency (spec §4.10). Grounded on
// original_source/crates/model/src/profile/attribute.rs, translated
// from its TOML schema (AttributesFileInternal) into the same shape
// here via github.com/pelletier/go-toml/v2, the TOML library already
// present in the retrieval pack's dependency graph.
package attributes

import "fmt"

// Mode is AttributeMode: how an attribute's id space is allocated and
// how it participates in profile filtering.
type Mode int

const (
	ModeSelectSingleFilterSingle Mode = iota
	ModeSelectSingleFilterMultiple
	ModeSelectMultipleFilterMultiple
)

func (m Mode) IsBitflag() bool {
	return m == ModeSelectSingleFilterMultiple || m == ModeSelectMultipleFilterMultiple
}

func (m *Mode) UnmarshalTOML(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("attribute mode must be a string")
	}
	switch s {
	case "SelectSingleFilterSingle":
		*m = ModeSelectSingleFilterSingle
	case "SelectSingleFilterMultiple":
		*m = ModeSelectSingleFilterMultiple
	case "SelectMultipleFilterMultiple":
		*m = ModeSelectMultipleFilterMultiple
	default:
		return fmt.Errorf("unknown attribute mode %q", s)
	}
	return nil
}

// OrderMode is AttributeOrderMode. Only one variant exists today but
// the type is kept closed the same way the source keeps it as an enum
// rather than inlining the one value, so a second ordering mode can be
// added without changing every caller's signature.
type OrderMode int

const OrderByNumber OrderMode = iota

// ValueOrderMode is AttributeValueOrderMode.
type ValueOrderMode int

const (
	ValueOrderAlphabeticalKey ValueOrderMode = iota
	ValueOrderAlphabeticalValue
	ValueOrderByNumber
)

func (m *ValueOrderMode) UnmarshalTOML(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("value order mode must be a string")
	}
	switch s {
	case "AlphabethicalKey":
		*m = ValueOrderAlphabeticalKey
	case "AlphabethicalValue":
		*m = ValueOrderAlphabeticalValue
	case "OrderNumber":
		*m = ValueOrderByNumber
	default:
		return fmt.Errorf("unknown value order mode %q", s)
	}
	return nil
}

// IconResource is "src:identifier", e.g. "material:favorite".
type IconResource struct {
	Src        string
	Identifier string
}

func (i *IconResource) UnmarshalTOML(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("icon must be a string")
	}
	for idx := 0; idx < len(s); idx++ {
		if s[idx] == ':' {
			i.Src, i.Identifier = s[:idx], s[idx+1:]
			return nil
		}
	}
	return fmt.Errorf("missing ':' delimiter in icon %q", s)
}

// rawAttributeValue is one TOML array element of an attribute's
// `values`: either a bare string (shorthand for a value whose key and
// id are derived) or a table with explicit fields.
type rawAttributeValue struct {
	Key         *string
	Value       string
	Id          *uint16
	OrderNumber *uint16
	Editable    bool
	Visible     bool
	Icon        *IconResource
}

func (v *rawAttributeValue) UnmarshalTOML(value any) error {
	v.Editable = true
	v.Visible = true

	switch t := value.(type) {
	case string:
		v.Value = t
		return nil
	case map[string]any:
		if s, ok := t["value"].(string); ok {
			v.Value = s
		} else {
			return fmt.Errorf("attribute value table missing string \"value\"")
		}
		if s, ok := t["key"].(string); ok {
			v.Key = &s
		}
		if n, ok := toUint16(t["id"]); ok {
			v.Id = &n
		}
		if n, ok := toUint16(t["order_number"]); ok {
			v.OrderNumber = &n
		}
		if b, ok := t["editable"].(bool); ok {
			v.Editable = b
		}
		if b, ok := t["visible"].(bool); ok {
			v.Visible = b
		}
		if s, ok := t["icon"].(string); ok {
			icon := &IconResource{}
			if err := icon.UnmarshalTOML(s); err != nil {
				return err
			}
			v.Icon = icon
		}
		return nil
	default:
		return fmt.Errorf("invalid attribute value entry type %T", value)
	}
}

func toUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case int64:
		return uint16(n), true
	case int:
		return uint16(n), true
	default:
		return 0, false
	}
}

// rawGroupValues is GroupValuesInternal.
type rawGroupValues struct {
	Key    string               `toml:"key"`
	Values []rawAttributeValue  `toml:"values"`
}

// rawTranslationValue is Translation.
type rawTranslationValue struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// rawLanguage is Language.
type rawLanguage struct {
	Lang   string                `toml:"lang"`
	Values []rawTranslationValue `toml:"values"`
}

// rawAttribute is AttributeInternal.
type rawAttribute struct {
	Key         string               `toml:"key"`
	Name        string               `toml:"name"`
	Mode        Mode                 `toml:"mode"`
	Editable    bool                 `toml:"editable"`
	Visible     bool                 `toml:"visible"`
	Required    bool                 `toml:"required"`
	Icon        IconResource         `toml:"icon"`
	Id          uint16               `toml:"id"`
	OrderNumber uint16               `toml:"order_number"`
	ValueOrder  ValueOrderMode       `toml:"value_order"`
	Values      []rawAttributeValue  `toml:"values"`
	GroupValues []rawGroupValues     `toml:"group_values"`
	Translations []rawLanguage       `toml:"translations"`
}

// rawFile is AttributesFileInternal, the schema file's top level.
type rawFile struct {
	AttributeOrder OrderMode      `toml:"attribute_order"`
	Attribute      []rawAttribute `toml:"attribute"`
}

// GroupValues is one attribute value's sub-group (spec §4.10: "Each
// sub-group value set non-empty and id-dense").
type GroupValues struct {
	Key    string
	Values []Value
}

// Value is AttributeValue: one selectable value of an attribute or
// group.
type Value struct {
	Key         string
	Text        string
	Id          uint16
	OrderNumber uint16
	Editable    bool
	Visible     bool
	Icon        *IconResource
	GroupValues *GroupValues
}

// Language is one translated set of value/attribute names.
type Language struct {
	Lang   string
	Values []Translation
}

// Translation maps an attribute or value key to its translated text.
type Translation struct {
	Key   string
	Value string
}

// Attribute is one filterable profile field (spec §3/§4.10).
type Attribute struct {
	Key          string
	Name         string
	Mode         Mode
	Editable     bool
	Visible      bool
	Required     bool
	Icon         IconResource
	Id           uint16
	OrderNumber  uint16
	ValueOrder   ValueOrderMode
	Values       []Value
	Translations []Language
}

// Schema is ProfileAttributes: the full validated attribute set.
type Schema struct {
	AttributeOrder OrderMode
	Attributes     []Attribute
}

// ByKey finds an attribute by its unique string key.
func (s *Schema) ByKey(key string) (Attribute, bool) {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// ById finds an attribute by its unique numeric id.
func (s *Schema) ById(id uint16) (Attribute, bool) {
	for _, a := range s.Attributes {
		if a.Id == id {
			return a, true
		}
	}
	return Attribute{}, false
}
