package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MarshalJSON renders v in extended JSON: numbers and strings as
// themselves, MinKey and MaxKey as {"$minKey":1} and {"$maxKey":1}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindMinKey:
		return []byte(`{"$minKey":1}`), nil
	case KindMaxKey:
		return []byte(`{"$maxKey":1}`), nil
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(map[string]string{"$numberDouble": strconv.FormatFloat(v.f, 'g', -1, 64)})
		}
		out := strconv.AppendFloat(nil, v.f, 'g', -1, 64)
		if bytes.IndexAny(out, ".eE") < 0 {
			// Keep doubles distinguishable from ints on the way back.
			out = append(out, ".0"...)
		}
		return out, nil
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	}
	return nil, fmt.Errorf("value: cannot marshal kind %d", v.kind)
}

// MarshalJSON renders k as an object with fields in key order.
func (k Key) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range k {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses an object written by MarshalJSON, keeping field
// order.
func (k *Key) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("value: key must be a JSON object")
	}
	var out Key
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("value: unexpected field name %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("value: field %q: %w", name, err)
		}
		out = append(out, Field{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*k = out
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		s := t.String()
		if bytes.ContainsAny([]byte(s), ".eE") {
			f, err := t.Float64()
			if err != nil {
				return Value{}, err
			}
			return Double(f), nil
		}
		i, err := t.Int64()
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case json.Delim:
		if t != '{' {
			return Value{}, fmt.Errorf("unexpected %v", t)
		}
		return decodeSpecial(dec)
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// decodeSpecial reads the rest of a {"$minKey":1}, {"$maxKey":1} or
// {"$numberDouble":"..."} object.
func decodeSpecial(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	name, _ := tok.(string)
	tok, err = dec.Token()
	if err != nil {
		return Value{}, err
	}

	var v Value
	switch name {
	case "$minKey":
		v = MinKey()
	case "$maxKey":
		v = MaxKey()
	case "$numberDouble":
		s, _ := tok.(string)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		v = Double(f)
	default:
		return Value{}, fmt.Errorf("unsupported object %q", name)
	}
	if tok, err := dec.Token(); err != nil {
		return Value{}, err
	} else if d, ok := tok.(json.Delim); !ok || d != '}' {
		return Value{}, fmt.Errorf("unexpected %v after %s", tok, name)
	}
	return v, nil
}
