package repository

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/rpattn/dmquery/internal/domain"
)

// matchesFilter evaluates a filter against a record in memory.
func matchesFilter(record domain.Record, filter domain.Filter) (bool, error) {
	switch f := filter.(type) {
	case nil:
		return true, nil
	case domain.And:
		for _, child := range f.Filters {
			ok, err := matchesFilter(record, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case domain.Or:
		for _, child := range f.Filters {
			ok, err := matchesFilter(record, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case domain.Not:
		ok, err := matchesFilter(record, f.Filter)
		return !ok, err
	case domain.HasData:
		for _, view := range f.Views {
			if record.Props().ForView(view) == nil {
				return false, nil
			}
		}
		return true, nil
	case domain.Equals:
		if f.Value == nil {
			return false, fmt.Errorf("equals filter on %v: null values are not supported", f.Property)
		}
		value, ok := resolveProperty(record, f.Property)
		if !ok {
			return false, nil
		}
		return anyElementMatches(value, []any{f.Value}), nil
	case domain.In:
		value, ok := resolveProperty(record, f.Property)
		if !ok {
			return false, nil
		}
		return anyElementMatches(value, f.Values), nil
	case domain.ContainsAny:
		value, ok := resolveProperty(record, f.Property)
		if !ok {
			return false, nil
		}
		return anyElementMatches(value, f.Values), nil
	case domain.Exists:
		value, ok := resolveProperty(record, f.Property)
		return ok && value != nil, nil
	case domain.Prefix:
		value, ok := resolveProperty(record, f.Property)
		if !ok {
			return false, nil
		}
		text, isText := value.(string)
		return isText && strings.HasPrefix(text, f.Value), nil
	case domain.Range:
		value, ok := resolveProperty(record, f.Property)
		if !ok || value == nil {
			return false, nil
		}
		bounds := []struct {
			bound any
			keep  func(int) bool
		}{
			{f.GT, func(c int) bool { return c > 0 }},
			{f.GTE, func(c int) bool { return c >= 0 }},
			{f.LT, func(c int) bool { return c < 0 }},
			{f.LTE, func(c int) bool { return c <= 0 }},
		}
		for _, b := range bounds {
			if b.bound == nil {
				continue
			}
			cmp, comparable := compareValues(value, b.bound)
			if !comparable || !b.keep(cmp) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported filter type %T", filter)
	}
}

// resolveProperty reads a filter/sort path from a record. Two-part paths address
// instance metadata, three-part paths address view properties.
func resolveProperty(record domain.Record, path []string) (any, bool) {
	if len(path) == 3 {
		return record.Props().Lookup(path)
	}
	if len(path) != 2 {
		return nil, false
	}
	meta := record.Meta()
	switch path[1] {
	case "id":
		return record.ID(), true
	case "externalId":
		return record.ID().ExternalID, true
	case "space":
		return record.ID().Space, true
	case "version":
		return meta.Version, true
	case "createdTime":
		return meta.CreatedTime, true
	case "lastUpdatedTime":
		return meta.LastUpdatedTime, true
	}
	switch r := record.(type) {
	case *domain.Edge:
		switch path[1] {
		case "type":
			return r.Type, true
		case "startNode":
			return r.StartNode, true
		case "endNode":
			return r.EndNode, true
		}
	case *domain.Node:
		if path[1] == "type" && r.Type != nil {
			return *r.Type, true
		}
	}
	return nil, false
}

func anyElementMatches(value any, candidates []any) bool {
	if items, ok := value.([]any); ok {
		for _, item := range items {
			if anyElementMatches(item, candidates) {
				return true
			}
		}
		return false
	}
	for _, candidate := range candidates {
		if valuesEqual(value, candidate) {
			return true
		}
	}
	return false
}

func valuesEqual(left, right any) bool {
	if leftID, ok := domain.ParseInstanceID(left); ok {
		rightID, ok := domain.ParseInstanceID(right)
		return ok && leftID == rightID
	}
	if leftNum, ok := toFloat(left); ok {
		rightNum, ok := toFloat(right)
		return ok && leftNum == rightNum
	}
	return reflect.DeepEqual(left, right)
}

// compareValues orders numbers numerically and everything else by its text form.
func compareValues(left, right any) (int, bool) {
	if leftNum, ok := toFloat(left); ok {
		rightNum, ok := toFloat(right)
		if !ok {
			return 0, false
		}
		switch {
		case leftNum < rightNum:
			return -1, true
		case leftNum > rightNum:
			return 1, true
		default:
			return 0, true
		}
	}
	if leftID, ok := domain.ParseInstanceID(left); ok {
		rightID, ok := domain.ParseInstanceID(right)
		if !ok {
			return 0, false
		}
		return strings.Compare(leftID.String(), rightID.String()), true
	}
	leftText, leftOK := left.(string)
	rightText, rightOK := right.(string)
	if !leftOK || !rightOK {
		return 0, false
	}
	return strings.Compare(leftText, rightText), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
