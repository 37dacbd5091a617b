package attributes

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
)

// Load parses and validates a schema file, failing startup (spec
// §4.10: "violations fail startup") on any rule violation. Every
// failure is returned as an apperror.SchemaInit error.
func Load(data []byte) (*Schema, error) {
	var file rawFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, apperror.Wrap(apperror.SchemaInit, "attributes: parse schema", err)
	}
	schema, err := fromFile(file)
	if err != nil {
		return nil, apperror.Wrap(apperror.SchemaInit, "attributes: validate schema", err)
	}
	return schema, nil
}

func fromFile(file rawFile) (*Schema, error) {
	attrs, err := validateTopLevel(file.Attribute)
	if err != nil {
		return nil, err
	}

	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		values, translations, err := validateAttribute(a)
		if err != nil {
			return nil, err
		}
		out = append(out, Attribute{
			Key: a.Key, Name: a.Name, Mode: a.Mode,
			Editable: a.Editable, Visible: a.Visible, Required: a.Required,
			Icon: a.Icon, Id: a.Id, OrderNumber: a.OrderNumber,
			ValueOrder: a.ValueOrder, Values: values, Translations: translations,
		})
	}

	return &Schema{AttributeOrder: file.AttributeOrder, Attributes: out}, nil
}

// validateTopLevel is AttributesFileInternal::validate_attributes:
// unique keys/ids/order numbers, dense integer ids, sorted by id.
func validateTopLevel(attrs []rawAttribute) ([]rawAttribute, error) {
	keys := make(map[string]bool, len(attrs))
	ids := make(map[uint16]bool, len(attrs))
	orderNumbers := make(map[uint16]bool, len(attrs))

	for _, a := range attrs {
		if keys[a.Key] {
			return nil, fmt.Errorf("attributes: duplicate key %q", a.Key)
		}
		keys[a.Key] = true

		if ids[a.Id] {
			return nil, fmt.Errorf("attributes: duplicate id %d", a.Id)
		}
		ids[a.Id] = true

		if orderNumbers[a.OrderNumber] {
			return nil, fmt.Errorf("attributes: duplicate order number %d", a.OrderNumber)
		}
		orderNumbers[a.OrderNumber] = true
	}

	for i := 0; i < len(attrs); i++ {
		if !ids[uint16(i)] {
			return nil, fmt.Errorf("attributes: id %d missing, all numbers between 0 and %d should be used", i, len(attrs)-1)
		}
	}

	sorted := make([]rawAttribute, len(attrs))
	copy(sorted, attrs)
	sortAttributesById(sorted)
	return sorted, nil
}

func sortAttributesById(attrs []rawAttribute) {
	for i := 1; i < len(attrs); i++ {
		for j := i; j > 0 && attrs[j].Id < attrs[j-1].Id; j-- {
			attrs[j], attrs[j-1] = attrs[j-1], attrs[j]
		}
	}
}

func sortValuesById(values []Value) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j].Id < values[j-1].Id; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

// validateAttribute is AttributeInternal::validate.
func validateAttribute(a rawAttribute) ([]Value, []Language, error) {
	keys := map[string]bool{a.Key: true}

	topIds := map[uint16]bool{}
	topOrderNumbers := map[uint16]bool{}
	idState := newIdSequence(a.Mode)
	orderState := newOrderNumberSequence()

	values := make([]Value, 0, len(a.Values))
	for _, rv := range a.Values {
		v, err := resolveValue(rv, topIds, topOrderNumbers, keys, idState, orderState)
		if err != nil {
			return nil, nil, fmt.Errorf("attributes: %s: %w", a.Key, err)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("attributes: attribute %s must have at least one value", a.Key)
	}

	if err := checkDenseIds(a.Mode, topIds, len(values), fmt.Sprintf("attribute value ids for attribute %s", a.Key)); err != nil {
		return nil, nil, err
	}
	sortValuesById(values)

	groupValues := make(map[string]GroupValues, len(a.GroupValues))
	groupOrder := make([]string, 0, len(a.GroupValues))
	for _, g := range a.GroupValues {
		if !keys[g.Key] {
			return nil, nil, fmt.Errorf("attributes: %s: missing value definition for group key %s", a.Key, g.Key)
		}

		subIds := map[uint16]bool{}
		subOrderNumbers := map[uint16]bool{}
		subIdState := newIdSequence(a.Mode)
		subOrderState := newOrderNumberSequence()

		subValues := make([]Value, 0, len(g.Values))
		for _, rv := range g.Values {
			v, err := resolveValue(rv, subIds, subOrderNumbers, keys, subIdState, subOrderState)
			if err != nil {
				return nil, nil, fmt.Errorf("attributes: %s: group %s: %w", a.Key, g.Key, err)
			}
			subValues = append(subValues, v)
		}
		if len(subValues) == 0 {
			return nil, nil, fmt.Errorf("attributes: value group %s must have at least one value", g.Key)
		}
		if err := checkDenseIds(ModeSelectSingleFilterSingle, subIds, len(subValues), fmt.Sprintf("value ids for value group %s", g.Key)); err != nil {
			return nil, nil, err
		}
		sortValuesById(subValues)

		groupValues[g.Key] = GroupValues{Key: g.Key, Values: subValues}
		groupOrder = append(groupOrder, g.Key)
	}

	if a.Mode.IsBitflag() && len(groupValues) > 0 {
		return nil, nil, fmt.Errorf("attributes: %s: bitflag mode cannot have group values", a.Key)
	}

	for _, key := range groupOrder {
		g := groupValues[key]
		for i := range values {
			if values[i].Key == key {
				gCopy := g
				values[i].GroupValues = &gCopy
			}
		}
	}

	for _, lang := range a.Translations {
		for _, t := range lang.Values {
			if !keys[t.Key] {
				return nil, nil, fmt.Errorf("attributes: %s: translation references unknown key %s", a.Key, t.Key)
			}
		}
	}

	translations := make([]Language, 0, len(a.Translations))
	for _, lang := range a.Translations {
		ts := make([]Translation, 0, len(lang.Values))
		for _, t := range lang.Values {
			ts = append(ts, Translation{Key: t.Key, Value: t.Value})
		}
		translations = append(translations, Language{Lang: lang.Lang, Values: ts})
	}

	return values, translations, nil
}

// resolveValue is handle_attribute_value: resolve the value's id, key
// and order number (explicit or sequenced), rejecting duplicates.
func resolveValue(rv rawAttributeValue, ids, orderNumbers map[uint16]bool, keys map[string]bool, idState, orderState *idSequence) (Value, error) {
	var id uint16
	var err error
	if rv.Id != nil {
		id, err = idState.setValue(*rv.Id)
	} else {
		id, err = idState.increment()
	}
	if err != nil {
		return Value{}, err
	}
	if ids[id] {
		return Value{}, fmt.Errorf("duplicate id %d", id)
	}
	ids[id] = true

	key := englishTextToKey(rv.Value)
	if rv.Key != nil {
		key = *rv.Key
	}
	if keys[key] {
		return Value{}, fmt.Errorf("duplicate key %s", key)
	}
	keys[key] = true

	var orderNumber uint16
	if rv.OrderNumber != nil {
		orderNumber, err = orderState.setValue(*rv.OrderNumber)
	} else {
		orderNumber, err = orderState.increment()
	}
	if err != nil {
		return Value{}, err
	}
	if orderNumbers[orderNumber] {
		return Value{}, fmt.Errorf("duplicate order number %d", orderNumber)
	}
	orderNumbers[orderNumber] = true

	return Value{
		Key: key, Text: rv.Value, Id: id, OrderNumber: orderNumber,
		Editable: rv.Editable, Visible: rv.Visible, Icon: rv.Icon,
	}, nil
}

func englishTextToKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "_")
}

// checkDenseIds enforces the dense-id invariant for either allocation
// scheme: 0..n-1 for integer mode, 1,2,4,...,2^(n-1) for bitflag mode.
func checkDenseIds(mode Mode, ids map[uint16]bool, count int, what string) error {
	if mode.IsBitflag() {
		current := uint16(1)
		for i := 0; i < count; i++ {
			if !ids[current] {
				return fmt.Errorf("attributes: id %d missing from %s, all bitflags up to %d should be used", current, what, uint32(1)<<(count-1))
			}
			current <<= 1
		}
		return nil
	}
	for i := 0; i < count; i++ {
		if !ids[uint16(i)] {
			return fmt.Errorf("attributes: id %d missing from %s, all numbers between 0 and %d should be used", i, what, count-1)
		}
	}
	return nil
}
