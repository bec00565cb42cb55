package gatt

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

type propertyName struct {
	value ble.Property
	name  string
}

// Order matches the bit order of the characteristic properties field.
var propertyNames = []propertyName{
	{ble.CharBroadcast, "broadcast"},
	{ble.CharRead, "read"},
	{ble.CharWriteNR, "write-without-response"},
	{ble.CharWrite, "write"},
	{ble.CharNotify, "notify"},
	{ble.CharIndicate, "indicate"},
	{ble.CharSignedWrite, "signed-write"},
	{ble.CharExtended, "extended"},
}

// PropertyNames lists the names of the flags set in p.
func PropertyNames(p ble.Property) []string {
	var out []string
	for _, pn := range propertyNames {
		if p&pn.value != 0 {
			out = append(out, pn.name)
		}
	}
	return out
}

// ParseProperties parses a comma- or pipe-separated list of property names such
// as "read,notify". Names are case-insensitive; "write-nr" and "writenr" are
// accepted for write-without-response.
func ParseProperties(s string) (ble.Property, error) {
	var p ble.Property
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || r == ' '
	})
	for _, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f))
		switch name {
		case "write-nr", "writenr", "write_without_response", "writewithoutresponse":
			name = "write-without-response"
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.value
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", f)
		}
	}
	return p, nil
}
